package captcha

import (
	"image"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// Digit is an NxN single-channel raster with intensities in [0,1], stored
// row-major.
type Digit struct {
	Size int
	Pix  []float32
}

// Shape is the tensor shape (height, width, channels) of the digit.
func (d Digit) Shape() [3]int { return [3]int{d.Size, d.Size, 1} }

func (d Digit) At(x, y int) float32 { return d.Pix[y*d.Size+x] }

// DigitBatch lists digits in reading order.
type DigitBatch []Digit

// Valid reports whether the batch holds at least one and fewer than
// DefaultMaxGlyphs digits.
func (b DigitBatch) Valid() bool {
	return len(b) >= 1 && len(b) < DefaultMaxGlyphs
}

// Flatten concatenates the digits into one NHWC buffer.
func (b DigitBatch) Flatten() []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, 0, len(b)*len(b[0].Pix))
	for _, d := range b {
		out = append(out, d.Pix...)
	}
	return out
}

// Letterbox scales the glyph so its longer side is n pixels, keeping the
// aspect ratio, and centres it on an nxn black canvas. When the padding on an
// axis is odd, the extra pixel goes to the right or bottom.
func Letterbox(glyph *image.Gray, n int) *image.Gray {
	out := newGray(n, n)
	b := glyph.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 || n <= 0 {
		return out
	}

	ratio := float64(n) / float64(max(w, h))
	rw := fitSide(float64(w)*ratio, n)
	rh := fitSide(float64(h)*ratio, n)

	resized := toGray(resize.Resize(uint(rw), uint(rh), glyph, resize.Bilinear))
	left, top := (n-rw)/2, (n-rh)/2
	draw.Draw(out, image.Rect(left, top, left+rw, top+rh), resized, image.Point{}, draw.Src)
	return out
}

func fitSide(v float64, n int) int {
	side := int(math.Round(v))
	if side < 1 {
		return 1
	}
	if side > n {
		return n
	}
	return side
}

// Scale converts an 8-bit raster into a Digit with intensities divided by 255.
func Scale(img *image.Gray) Digit {
	b := img.Bounds()
	d := Digit{Size: b.Dx(), Pix: make([]float32, 0, b.Dx()*b.Dy())}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			d.Pix = append(d.Pix, float32(at(img, x, y))/255)
		}
	}
	return d
}
