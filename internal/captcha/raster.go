// Package captcha turns a numeric captcha image into a batch of normalized
// single-digit rasters ready for a digit classifier.
package captcha

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"
)

// DecodeRaster decodes an encoded image (PNG, JPEG, BMP, TIFF, WebP) into a
// single-channel raster anchored at the origin.
func DecodeRaster(data []byte) (*image.Gray, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	m, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer m.Close()
	if m.Empty() {
		return nil, fmt.Errorf("%w: unrecognized or corrupt image", ErrDecode)
	}
	img, err := grayImage(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// grayMat copies img into a new 8-bit single-channel Mat. The caller closes it.
func grayMat(img *image.Gray) (gocv.Mat, error) {
	img = toGray(img)
	b := img.Bounds()
	view, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, img.Pix)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("raster to mat: %w", err)
	}
	defer view.Close()
	return view.Clone(), nil
}

func grayImage(m gocv.Mat) (*image.Gray, error) {
	img, err := m.ToImage()
	if err != nil {
		return nil, fmt.Errorf("mat to raster: %w", err)
	}
	return toGray(img), nil
}

// countBlack returns the number of zero-valued pixels of a single-channel Mat.
func countBlack(m gocv.Mat) int {
	return m.Rows()*m.Cols() - gocv.CountNonZero(m)
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) && g.Stride == b.Dx() {
		return g
	}
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

func newGray(w, h int) *image.Gray {
	return image.NewGray(image.Rect(0, 0, w, h))
}

// at reads a pixel relative to the raster's top-left corner.
func at(img *image.Gray, x, y int) uint8 {
	b := img.Bounds()
	return img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)]
}

// crop copies the part of r that lies inside img into a new raster.
func crop(img *image.Gray, r image.Rectangle) *image.Gray {
	b := img.Bounds()
	r = r.Add(b.Min).Intersect(b)
	out := newGray(r.Dx(), r.Dy())
	if r.Empty() {
		return out
	}
	draw.Draw(out, out.Bounds(), img, r.Min, draw.Src)
	return out
}
