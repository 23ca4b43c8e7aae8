package captcha

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Strategy selects one of the two filter pipelines. Both produce a binary
// raster whose foreground (digits) is black.
type Strategy int

const (
	// MedianBlur thresholds the raw raster and removes speckle with a 3x3
	// median filter.
	MedianBlur Strategy = iota
	// BinaryOtsu smooths before thresholding and then opens the result with
	// a 2x2 structuring element.
	BinaryOtsu
)

func (s Strategy) String() string {
	switch s {
	case MedianBlur:
		return "median_blur"
	case BinaryOtsu:
		return "binary_otsu"
	default:
		return "unknown"
	}
}

// FilterResult is a filtered raster together with its black-pixel count.
type FilterResult struct {
	Strategy Strategy
	Image    *image.Gray
	Black    int
}

// Density is the fraction of black pixels, in [0,1].
func (r FilterResult) Density() float64 {
	if r.Image == nil {
		return 0
	}
	total := r.Image.Bounds().Dx() * r.Image.Bounds().Dy()
	if total == 0 {
		return 0
	}
	return float64(r.Black) / float64(total)
}

// Opened returns r after one more erode-dilate pass.
func (r FilterResult) Opened() (FilterResult, error) {
	m, err := grayMat(r.Image)
	if err != nil {
		return FilterResult{}, err
	}
	defer m.Close()
	open(&m)
	return filtered(r.Strategy, m)
}

// Apply runs the strategy on img. The input is never modified.
func (s Strategy) Apply(img *image.Gray, t Thresholds) (FilterResult, error) {
	if img == nil || img.Bounds().Empty() {
		return FilterResult{}, fmt.Errorf("%s: empty raster", s)
	}
	src, err := grayMat(img)
	if err != nil {
		return FilterResult{}, err
	}
	defer src.Close()

	out, tmp := gocv.NewMat(), gocv.NewMat()
	defer out.Close()
	defer tmp.Close()

	switch s {
	case BinaryOtsu:
		gocv.GaussianBlur(src, &tmp, image.Pt(3, 3), 0, 0, gocv.BorderDefault)
		binarize(tmp, &out, t.Inversion)
		open(&out)
	default:
		s = MedianBlur
		binarize(src, &tmp, t.Inversion)
		gocv.MedianBlur(tmp, &out, 3)
	}
	return filtered(s, out)
}

func filtered(s Strategy, m gocv.Mat) (FilterResult, error) {
	img, err := grayImage(m)
	if err != nil {
		return FilterResult{}, err
	}
	return FilterResult{Strategy: s, Image: img, Black: countBlack(m)}, nil
}

// binarize thresholds src into dst at the Otsu level and flips polarity once
// when black covers more than the inversion fraction, so the foreground stays
// a minority.
func binarize(src gocv.Mat, dst *gocv.Mat, inversion float64) {
	gocv.Threshold(src, dst, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
	if float64(countBlack(*dst)) > inversion*float64(dst.Rows()*dst.Cols()) {
		gocv.BitwiseNot(*dst, dst)
	}
}

// open erodes and then dilates m in place with a 2x2 rectangle anchored at
// its bottom-right cell, so strokes move one pixel right and down.
func open(m *gocv.Mat) {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(2, 2))
	defer kernel.Close()
	gocv.Erode(*m, m, kernel)
	gocv.Dilate(*m, m, kernel)
}

// Open applies the erode-dilate pass of the BinaryOtsu strategy to img.
func Open(img *image.Gray) (*image.Gray, error) {
	r, err := FilterResult{Strategy: BinaryOtsu, Image: img}.Opened()
	if err != nil {
		return nil, err
	}
	return r.Image, nil
}
