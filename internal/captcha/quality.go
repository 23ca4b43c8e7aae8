package captcha

// Thresholds holds the empirically tuned constants of the pipeline. They are
// specific to the portal's challenge format.
type Thresholds struct {
	// LowQuality is the inclusive upper bound of the low-quality density band.
	LowQuality float64 `yaml:"low_quality"`
	// Fallback is the density the Binary+OTSU result must exceed to rescue a
	// low-quality image.
	Fallback float64 `yaml:"fallback"`
	// Good is the inclusive lower bound of the good-quality density band.
	Good float64 `yaml:"good"`
	// Inversion is the black fraction above which a thresholded raster has
	// its polarity flipped.
	Inversion float64 `yaml:"inversion"`
	// MergeRatio is the width/reference ratio above which a box is treated
	// as several touching digits.
	MergeRatio float64 `yaml:"merge_ratio"`
}

const (
	DefaultLowQuality = 0.03
	DefaultFallback   = 0.04
	DefaultGood       = 0.05
	DefaultInversion  = 0.80
	DefaultMergeRatio = 1.5
)

func DefaultThresholds() Thresholds {
	return Thresholds{
		LowQuality: DefaultLowQuality,
		Fallback:   DefaultFallback,
		Good:       DefaultGood,
		Inversion:  DefaultInversion,
		MergeRatio: DefaultMergeRatio,
	}
}

// Quality is the band a Median-Blur density falls in.
type Quality int

const (
	QualityLow Quality = iota
	QualityAmbiguous
	QualityGood
)

func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityAmbiguous:
		return "ambiguous"
	default:
		return "good"
	}
}

// Classify partitions densities into d <= LowQuality, LowQuality < d < Good
// and d >= Good.
func Classify(d float64, t Thresholds) Quality {
	switch {
	case d <= t.LowQuality:
		return QualityLow
	case d < t.Good:
		return QualityAmbiguous
	default:
		return QualityGood
	}
}
