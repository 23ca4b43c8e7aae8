package model

import (
	"errors"
	"fmt"
)

// Metadata describes the exported digit classifier. Shapes are NHWC with the
// batch dimension fixed at export time.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
}

// MaxBatch is the number of digits one inference run can hold.
func (m Metadata) MaxBatch() int {
	if len(m.InputShape) == 0 {
		return 0
	}
	return int(m.InputShape[0])
}

// DigitLen is the number of floats in one input digit.
func (m Metadata) DigitLen() int {
	n := 1
	for _, d := range m.InputShape[1:] {
		n *= int(d)
	}
	return n
}

func (m *Metadata) validate() error {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if len(m.InputShape) != 4 {
		return fmt.Errorf("input shape %v: want [batch, n, n, 1]", m.InputShape)
	}
	if m.InputShape[1] != m.InputShape[2] || m.InputShape[3] != 1 {
		return fmt.Errorf("input shape %v: want square single-channel digits", m.InputShape)
	}
	if m.ImageSize == 0 {
		m.ImageSize = int(m.InputShape[1])
	}
	if int64(m.ImageSize) != m.InputShape[1] {
		return fmt.Errorf("image size %d does not match input shape %v", m.ImageSize, m.InputShape)
	}
	if len(m.OutputShape) != 2 || m.OutputShape[0] != m.InputShape[0] {
		return fmt.Errorf("output shape %v: want [%d, classes]", m.OutputShape, m.InputShape[0])
	}
	if len(m.Classes) == 0 || int64(len(m.Classes)) != m.OutputShape[1] {
		return errors.New("classes must match the output width")
	}
	return nil
}

// PredictionRequest carries pre-normalized digits, each ImageSize² floats in
// [0,1], row-major.
type PredictionRequest struct {
	Digits [][]float32 `json:"digits"`
}

type PredictionResponse struct {
	Digits        string      `json:"digits"`
	Confidences   []float32   `json:"confidences"`
	Probabilities [][]float32 `json:"probabilities,omitempty"`
}
