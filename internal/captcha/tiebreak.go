package captcha

import (
	"context"
	"image"
)

// DigitReader is an OCR engine restricted to digits. An empty string means
// nothing was recognized.
type DigitReader interface {
	ReadDigits(ctx context.Context, img *image.Gray) (string, error)
}

// TieBreak picks between the two filter outputs of an ambiguous image by
// asking r to read each of them. Reader errors count as empty readings, and a
// nil reader behaves like one that never recognizes anything.
func TieBreak(ctx context.Context, r DigitReader, median, binary FilterResult) FilterResult {
	if pick(read(ctx, r, median.Image), read(ctx, r, binary.Image)) == MedianBlur {
		return median
	}
	return binary
}

func read(ctx context.Context, r DigitReader, img *image.Gray) string {
	if r == nil {
		return ""
	}
	text, err := r.ReadDigits(ctx, img)
	if err != nil {
		return ""
	}
	return text
}

// pick prefers the longer reading and falls back to BinaryOtsu on a tie,
// including when both readings are empty.
func pick(median, binary string) Strategy {
	switch {
	case median == "" && binary == "":
		return BinaryOtsu
	case binary == "":
		return MedianBlur
	case median == "":
		return BinaryOtsu
	case len(median) > len(binary):
		return MedianBlur
	default:
		return BinaryOtsu
	}
}
