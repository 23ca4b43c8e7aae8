package captcha

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
)

const (
	DefaultDigitSize = 28
	// DefaultMaxGlyphs is the exclusive upper bound on glyphs per captcha;
	// more means the raster was mis-segmented.
	DefaultMaxGlyphs = 7
)

// Options configures a Pipeline. Zero values select the defaults.
type Options struct {
	Thresholds Thresholds
	DigitSize  int
	MaxGlyphs  int
	// Reader breaks ties between filter outputs of ambiguous images.
	Reader DigitReader
	Logger *zap.Logger
}

// Pipeline decodes captcha images into digit batches. It holds no mutable
// state and is safe for concurrent use.
type Pipeline struct {
	thresholds Thresholds
	size       int
	maxGlyphs  int
	reader     DigitReader
	log        *zap.Logger
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		thresholds: opts.Thresholds,
		size:       opts.DigitSize,
		maxGlyphs:  opts.MaxGlyphs,
		reader:     opts.Reader,
		log:        opts.Logger,
	}
	if p.thresholds == (Thresholds{}) {
		p.thresholds = DefaultThresholds()
	}
	if p.size <= 0 {
		p.size = DefaultDigitSize
	}
	if p.maxGlyphs <= 0 {
		p.maxGlyphs = DefaultMaxGlyphs
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// Decode runs the whole pipeline on an encoded image. label only tags log
// entries and errors.
func (p *Pipeline) Decode(ctx context.Context, data []byte, label string) (DigitBatch, error) {
	digits, err := p.Extract(ctx, data, label)
	if err != nil {
		return nil, err
	}
	batch := make(DigitBatch, len(digits))
	for i, d := range digits {
		batch[i] = Scale(d)
	}
	return batch, nil
}

// Extract is Decode without the final intensity scaling: it returns the
// letterboxed 8-bit digits in reading order.
func (p *Pipeline) Extract(ctx context.Context, data []byte, label string) ([]*image.Gray, error) {
	log := p.log.With(zap.String("label", label))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := DecodeRaster(data)
	if err != nil {
		log.Warn("captcha decode failed", zap.Error(err))
		return nil, failure(KindDecode, label, err)
	}

	accepted, err := p.Filter(ctx, img, label)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	glyphs, err := Segment(accepted.Image, p.thresholds)
	if errors.Is(err, ErrSegmentation) {
		log.Debug("could not isolate digits", zap.Stringer("strategy", accepted.Strategy))
		return nil, failure(KindSegmentation, label, err)
	}
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", label, err)
	}
	if len(glyphs) == 0 || len(glyphs) >= p.maxGlyphs {
		log.Debug("implausible glyph count", zap.Int("glyphs", len(glyphs)))
		return nil, failure(KindSegmentation, label, fmt.Errorf("%w: %d glyphs", ErrSegmentation, len(glyphs)))
	}

	digits := make([]*image.Gray, len(glyphs))
	for i, g := range glyphs {
		digits[i] = Letterbox(g.Image, p.size)
	}
	log.Info("captcha segmented",
		zap.Stringer("strategy", accepted.Strategy),
		zap.Int("digits", len(digits)))
	return digits, nil
}

// Filter selects the filtered raster to segment, based on the Median-Blur
// density band. Low-quality images that Binary+OTSU cannot rescue fail with
// ErrLowQuality.
func (p *Pipeline) Filter(ctx context.Context, img *image.Gray, label string) (FilterResult, error) {
	log := p.log.With(zap.String("label", label))
	t := p.thresholds

	median, err := MedianBlur.Apply(img, t)
	if err != nil {
		return FilterResult{}, err
	}
	d := median.Density()

	switch Classify(d, t) {
	case QualityGood:
		log.Debug("good quality", zap.Float64("density", d))
		return median, nil

	case QualityLow:
		binary, err := BinaryOtsu.Apply(img, t)
		if err != nil {
			return FilterResult{}, err
		}
		if d2 := binary.Density(); d2 <= t.Fallback {
			log.Warn("image quality too low",
				zap.Float64("density", d),
				zap.Float64("fallback_density", d2))
			return FilterResult{}, failure(KindLowQuality, label,
				fmt.Errorf("%w: densities %.4f and %.4f", ErrLowQuality, d, d2))
		}
		log.Info("low quality, using binary+otsu", zap.Float64("density", d))
		return binary.Opened()

	default:
		binary, err := BinaryOtsu.Apply(img, t)
		if err != nil {
			return FilterResult{}, err
		}
		if err := ctx.Err(); err != nil {
			return FilterResult{}, err
		}
		chosen := TieBreak(ctx, p.reader, median, binary)
		log.Debug("ambiguous quality, resolved by ocr",
			zap.Float64("density", d),
			zap.Stringer("strategy", chosen.Strategy))
		return chosen, nil
	}
}
