package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"
)

const (
	Digits = "0123456789"
	// PSMSingleChar treats the image as a single character.
	PSMSingleChar = 10

	DefaultTimeout = 5 * time.Second
)

// DigitReader adapts an Engine to the captcha tie-breaker: digits only, one
// bounded call per image.
type DigitReader struct {
	engine  Engine
	timeout time.Duration
	opts    []InputOption
}

// NewDigitReader wraps engine. A non-positive timeout selects DefaultTimeout.
func NewDigitReader(engine Engine, timeout time.Duration, langs ...string) *DigitReader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts := []InputOption{WithTesseractPSM(PSMSingleChar), WithTesseractWhitelist(Digits)}
	if len(langs) > 0 {
		opts = append(opts, WithLanguages(langs...))
	}
	return &DigitReader{engine: engine, timeout: timeout, opts: opts}
}

// ReadDigits returns the digits recognized in img with surrounding whitespace
// removed. Engines that ignore cancellation are abandoned once the timeout
// expires.
func (r *DigitReader) ReadDigits(ctx context.Context, img *image.Gray) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	in := Input{Image: buf.Bytes(), Format: ImageFormatPNG}
	for _, opt := range r.opts {
		opt(&in)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.engine.Recognize(ctx, in)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", r.engine.Name(), ctx.Err())
	case out := <-done:
		if out.err != nil {
			return "", fmt.Errorf("%s: %w", r.engine.Name(), out.err)
		}
		return strings.TrimSpace(out.res.PlainText), nil
	}
}
