package captcha

import (
	"image"
	"image/color"
	"image/draw"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func widths(ws ...int) []BoundingBox {
	boxes := make([]BoundingBox, len(ws))
	for i, w := range ws {
		boxes[i] = BoundingBox{X: i * 100, Y: 0, Width: w, Height: 20}
	}
	return boxes
}

func TestReferenceWidth(t *testing.T) {
	tests := []struct {
		name   string
		boxes  []BoundingBox
		want   float64
		wantOK bool
	}{
		{"mean excludes widest", widths(11, 40, 10, 12), 11, true},
		{"mean of four", widths(20, 22, 24, 26, 90), 23, true},
		{"three boxes use narrowest", widths(12, 40, 10), 10, true},
		{"two boxes fail", widths(12, 14), 0, false},
		{"one box fails", widths(30), 0, false},
		{"no boxes fail", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ReferenceWidth(tt.boxes)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestTrimSplitsMergedBox(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 200, 60))

	t.Run("width 25 over reference 11", func(t *testing.T) {
		avg, ok := ReferenceWidth(widths(10, 12, 11, 40))
		require.True(t, ok)
		require.InDelta(t, 11.0, avg, 1e-9)

		b := BoundingBox{X: 20, Y: 10, Width: 25, Height: 30}
		require.Greater(t, float64(b.Width)/avg, DefaultMergeRatio)

		glyphs := Trim(src, b, avg)
		require.Len(t, glyphs, 2)
		assert.Equal(t, 20, glyphs[0].X)
		assert.Equal(t, 32, glyphs[1].X)
		for _, g := range glyphs {
			assert.Equal(t, image.Pt(14, 32), g.Image.Bounds().Size())
		}
	})

	t.Run("box 2.2 times the reference", func(t *testing.T) {
		glyphs := Trim(src, BoundingBox{X: 50, Y: 10, Width: 22, Height: 20}, 10)
		require.Len(t, glyphs, 2)
		assert.Equal(t, glyphs[0].Image.Bounds().Dx(), glyphs[1].Image.Bounds().Dx())
		assert.Equal(t, 13, glyphs[0].Image.Bounds().Dx())
		assert.Equal(t, 61, glyphs[1].X)
	})

	t.Run("halves round to even", func(t *testing.T) {
		assert.Len(t, Trim(src, BoundingBox{X: 50, Y: 10, Width: 25, Height: 20}, 10), 2)
		assert.Len(t, Trim(src, BoundingBox{X: 50, Y: 10, Width: 35, Height: 20}, 10), 4)
	})

	t.Run("margin is clamped at the raster edge", func(t *testing.T) {
		glyphs := Trim(src, BoundingBox{X: 0, Y: 0, Width: 30, Height: 20}, 15)
		require.Len(t, glyphs, 2)
		assert.Equal(t, image.Pt(16, 21), glyphs[0].Image.Bounds().Size())
	})
}

func TestSegmentOrdersByX(t *testing.T) {
	// Staggered heights so contour order differs from reading order.
	img := drawCaptcha(200, 60,
		image.Rect(10, 20, 24, 44),
		image.Rect(60, 5, 74, 29),
		image.Rect(110, 30, 124, 54),
		image.Rect(160, 10, 174, 34),
	)
	glyphs, err := Segment(img, DefaultThresholds())
	require.NoError(t, err)
	require.Len(t, glyphs, 4)

	xs := make([]int, len(glyphs))
	for i, g := range glyphs {
		xs[i] = g.X
	}
	assert.True(t, sort.IntsAreSorted(xs), "xs = %v", xs)
	assert.Equal(t, []int{20, 120, 220, 320}, xs)
	for _, g := range glyphs {
		assert.Equal(t, image.Pt(30, 50), g.Image.Bounds().Size())
	}
}

func TestSegmentSplitsMergedDigits(t *testing.T) {
	rects := digitRow(3, 10, 8, 14, 24, 16)
	rects = append(rects, image.Rect(100, 8, 128, 32))
	img := drawCaptcha(150, 40, rects...)

	glyphs, err := Segment(img, DefaultThresholds())
	require.NoError(t, err)
	require.Len(t, glyphs, 5)
	assert.Equal(t, 200, glyphs[3].X)
	assert.Equal(t, 228, glyphs[4].X)
}

func TestSegmentFailsWithTooFewBoxes(t *testing.T) {
	tests := map[string]*image.Gray{
		"two digits": drawCaptcha(100, 40, digitRow(2, 10, 8, 14, 24, 16)...),
		"only noise": drawCaptcha(100, 40, digitRow(5, 10, 8, 3, 3, 10)...),
		"blank":      drawCaptcha(100, 40),
	}
	for name, img := range tests {
		t.Run(name, func(t *testing.T) {
			glyphs, err := Segment(img, DefaultThresholds())
			assert.ErrorIs(t, err, ErrSegmentation)
			assert.Empty(t, glyphs)
		})
	}
}

func TestExternalBoxesSkipsNestedRegions(t *testing.T) {
	white := &image.Uniform{C: color.Gray{Y: 255}}
	black := &image.Uniform{C: color.Gray{Y: 0}}

	img := image.NewGray(image.Rect(0, 0, 40, 30))
	draw.Draw(img, image.Rect(5, 5, 25, 25), white, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(8, 8, 22, 22), black, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(14, 14, 16, 16), white, image.Point{}, draw.Src)
	// Touches the border.
	draw.Draw(img, image.Rect(37, 0, 40, 30), white, image.Point{}, draw.Src)

	boxes, err := ExternalBoxes(img)
	require.NoError(t, err)
	assert.Equal(t, []BoundingBox{
		{X: 5, Y: 5, Width: 20, Height: 20},
		{X: 37, Y: 0, Width: 3, Height: 30},
	}, boxes)
}

func TestExternalBoxesJoinsDiagonalNeighbours(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 6, 6))
	img.Pix[1*6+1] = 255
	img.Pix[2*6+2] = 255
	img.Pix[3*6+3] = 255
	boxes, err := ExternalBoxes(img)
	require.NoError(t, err)
	assert.Equal(t, []BoundingBox{{X: 1, Y: 1, Width: 3, Height: 3}}, boxes)
}
