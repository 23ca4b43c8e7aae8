package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var digitClasses = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}

func testMetadata() Metadata {
	return Metadata{
		InputShape:  []int64{6, 28, 28, 1},
		OutputShape: []int64{6, 10},
		Classes:     digitClasses,
		ImageSize:   28,
		InputName:   "input",
		OutputName:  "output",
	}
}

func digit(v float32) captcha.Digit {
	d := captcha.Digit{Size: 28, Pix: make([]float32, 28*28)}
	for i := range d.Pix {
		d.Pix[i] = v
	}
	return d
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"input_shape": [6, 28, 28, 1],
		"output_shape": [6, 10],
		"classes": ["0","1","2","3","4","5","6","7","8","9"]
	}`), 0o644))

	m, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, 28, m.ImageSize)
	assert.Equal(t, "input", m.InputName)
	assert.Equal(t, "output", m.OutputName)
	assert.Equal(t, 6, m.MaxBatch())
	assert.Equal(t, 784, m.DigitLen())
}

func TestLoadMetadataRejectsMismatchedShapes(t *testing.T) {
	cases := map[string]string{
		"rank":       `{"input_shape":[6,28,28],"output_shape":[6,10],"classes":["0"]}`,
		"channels":   `{"input_shape":[6,28,28,3],"output_shape":[6,10],"classes":["0"]}`,
		"batch":      `{"input_shape":[6,28,28,1],"output_shape":[5,10],"classes":["0","1","2","3","4","5","6","7","8","9"]}`,
		"classes":    `{"input_shape":[6,28,28,1],"output_shape":[6,10],"classes":["0","1"]}`,
		"image size": `{"input_shape":[6,28,28,1],"output_shape":[6,10],"image_size":32,"classes":["0","1","2","3","4","5","6","7","8","9"]}`,
		"not json":   `{`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "meta.json")
			require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
			_, err := LoadMetadata(path)
			assert.Error(t, err)
		})
	}
}

func TestCheckBatch(t *testing.T) {
	m := testMetadata()

	assert.NoError(t, checkBatch(m, captcha.DigitBatch{digit(0), digit(1)}))
	assert.ErrorIs(t, checkBatch(m, nil), ErrBatchSize)

	tooMany := make(captcha.DigitBatch, 7)
	for i := range tooMany {
		tooMany[i] = digit(0)
	}
	assert.ErrorIs(t, checkBatch(m, tooMany), ErrBatchSize)

	small := captcha.Digit{Size: 20, Pix: make([]float32, 400)}
	assert.Error(t, checkBatch(m, captcha.DigitBatch{small}))
}

func TestFillInputZeroesUnusedRows(t *testing.T) {
	dst := make([]float32, 6*784)
	for i := range dst {
		dst[i] = 9
	}
	fillInput(dst, captcha.DigitBatch{digit(0.5), digit(1)})

	assert.Equal(t, float32(0.5), dst[0])
	assert.Equal(t, float32(1), dst[784])
	assert.Equal(t, float32(0), dst[2*784])
	assert.Equal(t, float32(0), dst[len(dst)-1])
}

func TestDecodeOutputArgmaxPerRow(t *testing.T) {
	out := make([]float32, 6*10)
	out[0*10+4] = 0.9
	out[1*10+0] = 0.6
	out[1*10+7] = 0.3
	out[2*10+9] = 0.8
	// row 3 is padding and must be ignored
	out[3*10+1] = 1

	resp := decodeOutput(out, digitClasses, 3)
	assert.Equal(t, "409", resp.Digits)
	assert.Equal(t, []float32{0.9, 0.6, 0.8}, resp.Confidences)
	require.Len(t, resp.Probabilities, 3)
	assert.Len(t, resp.Probabilities[1], 10)

	out[0] = 5
	assert.Equal(t, float32(0), resp.Probabilities[0][0], "probabilities are copied")
}
