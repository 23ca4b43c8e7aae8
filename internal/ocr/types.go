// Package ocr plugs third-party OCR engines into the captcha tie-breaker.
// Engines see encoded images only, so they can be backed by native libraries
// or remote services alike.
package ocr

import "context"

// ImageFormat identifies the content type of an OCR input image.
type ImageFormat string

const (
	ImageFormatPNG ImageFormat = "image/png"
)

// Input is a single image submitted for recognition.
type Input struct {
	// ID is echoed back in the corresponding Result.
	ID     string
	Image  []byte
	Format ImageFormat
	// Languages lists trained-data hints such as "eng".
	Languages []string
	// Metadata carries engine-specific variables (for Tesseract,
	// tessedit_pageseg_mode and tessedit_char_whitelist).
	Metadata map[string]string
}

// Result is the text recognized in one Input.
type Result struct {
	InputID   string
	PlainText string
}

// Engine recognizes text in images.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, in Input) (Result, error)
}
