// Package dataset turns a folder of labelled captchas into per-digit training
// images for the classifier.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrBadLabel marks a captcha whose file name is not its digit sequence.
var ErrBadLabel = errors.New("file name is not a digit label")

// Extractor yields the normalized digits of one encoded captcha in reading
// order. *captcha.Pipeline satisfies it.
type Extractor interface {
	Extract(ctx context.Context, data []byte, label string) ([]*image.Gray, error)
}

type Builder struct {
	Extractor Extractor
	// Workers bounds concurrent extractions; zero means one.
	Workers int
	Logger  *zap.Logger
}

type Summary struct {
	Images   int
	Accepted int
	Skipped  int
	// Digits counts written samples per class.
	Digits map[int]int
}

// Label returns the digit label encoded in a captcha file name such as
// "04172.png".
func Label(path string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if stem == "" {
		return "", ErrBadLabel
	}
	for _, r := range stem {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%q: %w", stem, ErrBadLabel)
		}
	}
	return stem, nil
}

// Build extracts every *.png in srcDir and writes each digit of the accepted
// captchas to outDir/<digit>/<stem>_<i>.png. A captcha is accepted when the
// pipeline finds exactly as many digits as its label holds. Per-image failures
// are logged and counted as skipped; only I/O errors on outDir and
// cancellation stop the build.
func (b *Builder) Build(ctx context.Context, srcDir, outDir string) (Summary, error) {
	log := b.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sum := Summary{Digits: make(map[int]int)}

	paths, err := filepath.Glob(filepath.Join(srcDir, "*.png"))
	if err != nil {
		return sum, fmt.Errorf("failed to list %s: %w", srcDir, err)
	}
	sort.Strings(paths)
	sum.Images = len(paths)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return sum, fmt.Errorf("failed to create output dir: %w", err)
	}

	var mu sync.Mutex
	skip := func(path string, err error) {
		log.Info("captcha skipped", zap.String("file", filepath.Base(path)), zap.Error(err))
		mu.Lock()
		sum.Skipped++
		mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(b.Workers, 1))
	for _, path := range paths {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			label, err := Label(path)
			if err != nil {
				skip(path, err)
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				skip(path, err)
				return nil
			}
			digits, err := b.Extractor.Extract(egCtx, data, label)
			if err != nil {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				skip(path, err)
				return nil
			}
			if len(digits) != len(label) {
				skip(path, fmt.Errorf("found %d digits for label %s", len(digits), label))
				return nil
			}

			if err := writeDigits(outDir, label, digits); err != nil {
				return err
			}
			mu.Lock()
			sum.Accepted++
			for _, r := range label {
				sum.Digits[int(r-'0')]++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return sum, err
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	log.Info("dataset built",
		zap.Int("images", sum.Images),
		zap.Int("accepted", sum.Accepted),
		zap.Int("skipped", sum.Skipped))
	return sum, nil
}

func writeDigits(outDir, label string, digits []*image.Gray) error {
	for i, d := range digits {
		dir := filepath.Join(outDir, string(label[i]))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		name := filepath.Join(dir, label+"_"+strconv.Itoa(i)+".png")
		if err := writePNG(name, d); err != nil {
			return err
		}
	}
	return nil
}

func writePNG(name string, img image.Image) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return f.Close()
}
