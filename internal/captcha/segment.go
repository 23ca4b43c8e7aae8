package captcha

import (
	"image"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

const (
	upscaleFactor = 2
	// Boxes this narrow or short are noise.
	minGlyphSide = 10
	cropMargin   = 1
)

// BoundingBox is the axis-aligned rectangle enclosing a contour.
type BoundingBox struct {
	X, Y          int
	Width, Height int
}

// Glyph is a cropped candidate digit and the x coordinate it was cut at.
type Glyph struct {
	X     int
	Image *image.Gray
}

// Segment cuts the accepted raster into glyphs ordered left to right. Boxes
// wider than MergeRatio times the reference width are split into equal
// slices. It fails with ErrSegmentation when fewer than three boxes survive
// the noise filter.
func Segment(img *image.Gray, t Thresholds) ([]Glyph, error) {
	m, err := grayMat(img)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	inverted := gocv.NewMat()
	defer inverted.Close()
	gocv.Resize(m, &inverted, image.Point{}, upscaleFactor, upscaleFactor, gocv.InterpolationNearestNeighbor)
	gocv.BitwiseNot(inverted, &inverted)

	var boxes []BoundingBox
	for _, b := range externalBoxes(inverted) {
		if b.Width > minGlyphSide && b.Height > minGlyphSide {
			boxes = append(boxes, b)
		}
	}

	avg, ok := ReferenceWidth(boxes)
	if !ok {
		return nil, ErrSegmentation
	}

	src, err := grayImage(inverted)
	if err != nil {
		return nil, err
	}
	glyphs := make([]Glyph, 0, len(boxes))
	for _, b := range boxes {
		if float64(b.Width)/avg > t.MergeRatio {
			glyphs = append(glyphs, Trim(src, b, avg)...)
			continue
		}
		glyphs = append(glyphs, Glyph{X: b.X, Image: cropBox(src, b.X, b.Y, b.Width, b.Height)})
	}

	sort.SliceStable(glyphs, func(i, j int) bool { return glyphs[i].X < glyphs[j].X })
	return glyphs, nil
}

// ReferenceWidth estimates the width of a single digit. The widest box is
// set aside as a probable merge; with three or more remaining boxes their mean
// width is used, with exactly two the narrowest width overall. Fewer boxes
// cannot be segmented.
func ReferenceWidth(boxes []BoundingBox) (float64, bool) {
	if len(boxes) < 3 {
		return 0, false
	}
	widths := make([]int, len(boxes))
	for i, b := range boxes {
		widths[i] = b.Width
	}
	sort.Ints(widths)

	kept := widths[:len(widths)-1]
	if len(kept) >= 3 {
		sum := 0
		for _, w := range kept {
			sum += w
		}
		return float64(sum) / float64(len(kept)), true
	}
	return float64(widths[0]), true
}

// Trim splits a merged box into round(width/avg) slices of equal width,
// rounding half to even.
func Trim(src *image.Gray, b BoundingBox, avg float64) []Glyph {
	factor := int(math.RoundToEven(float64(b.Width) / avg))
	if factor < 1 {
		factor = 1
	}
	delta := b.Width / factor

	glyphs := make([]Glyph, 0, factor)
	x := b.X
	for i := 0; i < factor; i++ {
		glyphs = append(glyphs, Glyph{X: x, Image: cropBox(src, x, b.Y, delta, b.Height)})
		x += delta
	}
	return glyphs
}

func cropBox(src *image.Gray, x, y, w, h int) *image.Gray {
	return crop(src, image.Rect(x-cropMargin, y-cropMargin, x+w+cropMargin, y+h+cropMargin))
}

// ExternalBoxes returns the bounding boxes of the outermost foreground
// (non-zero) regions of img, ordered by x and then y. Regions lying inside a
// hole of another region are skipped.
func ExternalBoxes(img *image.Gray) ([]BoundingBox, error) {
	m, err := grayMat(img)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	return externalBoxes(m), nil
}

func externalBoxes(m gocv.Mat) []BoundingBox {
	contours := gocv.FindContours(m, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	boxes := make([]BoundingBox, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		r := gocv.BoundingRect(contours.At(i))
		boxes = append(boxes, BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()})
	}
	sort.Slice(boxes, func(i, j int) bool {
		if boxes[i].X != boxes[j].X {
			return boxes[i].X < boxes[j].X
		}
		return boxes[i].Y < boxes[j].Y
	})
	return boxes
}
