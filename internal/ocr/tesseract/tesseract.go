package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/Brownie44l1/cvm-captcha/internal/ocr"
	"github.com/otiai10/gosseract/v2"
)

// Engine implements ocr.Engine with a fresh gosseract client per call, so a
// single Engine can serve concurrent pipelines.
type Engine struct {
	clientFactory func() *gosseract.Client
}

func NewEngine() *Engine {
	return &Engine{clientFactory: gosseract.NewClient}
}

func (e *Engine) Name() string { return "tesseract" }

// Recognize runs Tesseract on a single image. The native call cannot be
// interrupted; ctx is only checked before it starts.
func (e *Engine) Recognize(ctx context.Context, in ocr.Input) (ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, err
	}
	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(in.Image); err != nil {
		return ocr.Result{}, fmt.Errorf("set image: %w", err)
	}
	if len(in.Languages) > 0 {
		if err := c.SetLanguage(in.Languages...); err != nil {
			return ocr.Result{}, fmt.Errorf("set languages: %w", err)
		}
	}
	for k, v := range in.Metadata {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return ocr.Result{}, fmt.Errorf("set variable %s: %w", k, err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return ocr.Result{}, fmt.Errorf("recognize text: %w", err)
	}
	return ocr.Result{InputID: in.ID, PlainText: strings.TrimSpace(text)}, nil
}
