package captcha

import (
	"errors"
	"fmt"
)

var (
	ErrDecode       = errors.New("unreadable image")
	ErrLowQuality   = errors.New("image quality too low")
	ErrSegmentation = errors.New("cannot segment digits")
)

// Kind classifies a pipeline failure. Every kind is fatal for the invocation;
// the caller is expected to request a fresh captcha.
type Kind int

const (
	KindNone Kind = iota
	KindDecode
	KindLowQuality
	KindSegmentation
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindLowQuality:
		return "low_quality"
	case KindSegmentation:
		return "segmentation"
	default:
		return "none"
	}
}

// Failure is the error returned by Pipeline.Decode and Pipeline.Extract.
type Failure struct {
	Kind  Kind
	Label string
	Err   error
}

func (f *Failure) Error() string {
	if f.Label == "" {
		return fmt.Sprintf("captcha %s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("captcha %s (%s): %v", f.Kind, f.Label, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf reports the failure kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrLowQuality):
		return KindLowQuality
	case errors.Is(err, ErrSegmentation):
		return KindSegmentation
	}
	return KindNone
}

func failure(kind Kind, label string, err error) *Failure {
	return &Failure{Kind: kind, Label: label, Err: err}
}
