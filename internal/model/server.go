// Package model runs the exported digit classifier through ONNX Runtime.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
	ort "github.com/yalue/onnxruntime_go"
)

var ErrBatchSize = errors.New("invalid batch size")

type Config struct {
	ModelPath    string
	MetadataPath string
	// SharedLibraryPath points at libonnxruntime; empty uses the platform
	// default lookup.
	SharedLibraryPath string
}

// Server owns one ONNX session with pre-allocated tensors. Predict calls are
// serialized because the tensors are shared.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := m.validate(); err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata: %w", err)
	}
	return m, nil
}

func NewServer(cfg Config) (*Server, error) {
	metadata, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}

	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	s := &Server{Metadata: metadata}
	s.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	s.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	s.session, err = ort.NewAdvancedSession(cfg.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{s.inputTensor}, []ort.ArbitraryTensor{s.outputTensor},
		nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return s, nil
}

// Predict classifies every digit of the batch in one run.
func (s *Server) Predict(batch captcha.DigitBatch) (*PredictionResponse, error) {
	if err := checkBatch(s.Metadata, batch); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fillInput(s.inputTensor.GetData(), batch)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return decodeOutput(s.outputTensor.GetData(), s.Metadata.Classes, len(batch)), nil
}

func (s *Server) Close() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	ort.DestroyEnvironment()
}

func checkBatch(m Metadata, batch captcha.DigitBatch) error {
	if len(batch) == 0 || len(batch) > m.MaxBatch() {
		return fmt.Errorf("%w: got %d digits, model takes 1 to %d", ErrBatchSize, len(batch), m.MaxBatch())
	}
	want := m.DigitLen()
	for i, d := range batch {
		if len(d.Pix) != want || d.Size != m.ImageSize {
			return fmt.Errorf("digit %d: expected %dx%d, got %d values", i, m.ImageSize, m.ImageSize, len(d.Pix))
		}
	}
	return nil
}

// fillInput copies the batch into the tensor buffer and zeroes the unused
// rows so stale digits never leak between runs.
func fillInput(dst []float32, batch captcha.DigitBatch) {
	n := copy(dst, batch.Flatten())
	clear(dst[n:])
}

func decodeOutput(out []float32, classes []string, n int) *PredictionResponse {
	width := len(classes)
	resp := &PredictionResponse{
		Confidences:   make([]float32, n),
		Probabilities: make([][]float32, n),
	}
	var digits strings.Builder
	for i := 0; i < n; i++ {
		row := out[i*width : (i+1)*width]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		digits.WriteString(classes[best])
		resp.Confidences[i] = row[best]
		resp.Probabilities[i] = append([]float32(nil), row...)
	}
	resp.Digits = digits.String()
	return resp
}
