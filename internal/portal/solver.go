package portal

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
	"github.com/Brownie44l1/cvm-captcha/internal/model"
)

type Decoder interface {
	Decode(ctx context.Context, data []byte, label string) (captcha.DigitBatch, error)
}

type Classifier interface {
	Predict(batch captcha.DigitBatch) (*model.PredictionResponse, error)
}

// PipelineSolver decodes the captcha with the image pipeline and reads the
// digits with the classifier.
type PipelineSolver struct {
	decoder    Decoder
	classifier Classifier
}

func NewPipelineSolver(decoder Decoder, classifier Classifier) *PipelineSolver {
	return &PipelineSolver{decoder: decoder, classifier: classifier}
}

func (s *PipelineSolver) Solve(ctx context.Context, png []byte, label string) (string, error) {
	batch, err := s.decoder.Decode(ctx, png, label)
	if err != nil {
		return "", err
	}
	res, err := s.classifier.Predict(batch)
	if err != nil {
		return "", fmt.Errorf("classify digits: %w", err)
	}
	return res.Digits, nil
}
