package captcha

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// drawCaptcha paints black rectangles on a white w x h canvas.
func drawCaptcha(w, h int, rects ...image.Rectangle) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Gray{Y: 255}}, image.Point{}, draw.Src)
	for _, r := range rects {
		draw.Draw(img, r, &image.Uniform{C: color.Gray{Y: 0}}, image.Point{}, draw.Src)
	}
	return img
}

// digitRow returns n rectangles of the given size separated by gap pixels,
// starting at (x0, y0).
func digitRow(n, x0, y0, w, h, gap int) []image.Rectangle {
	rects := make([]image.Rectangle, n)
	for i := range rects {
		x := x0 + i*(w+gap)
		rects[i] = image.Rect(x, y0, x+w, y0+h)
	}
	return rects
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// scriptedReader answers ReadDigits calls in order.
type scriptedReader struct {
	mu      sync.Mutex
	answers []string
	errs    []error
	calls   int
}

func (r *scriptedReader) ReadDigits(ctx context.Context, img *image.Gray) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	if i < len(r.answers) {
		return r.answers[i], err
	}
	return "", err
}

func apply(t *testing.T, s Strategy, img *image.Gray, th Thresholds) FilterResult {
	t.Helper()
	res, err := s.Apply(img, th)
	require.NoError(t, err)
	return res
}

func blackPixels(img *image.Gray) int {
	n := 0
	for _, v := range img.Pix {
		if v == 0 {
			n++
		}
	}
	return n
}
