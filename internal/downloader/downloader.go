// Package downloader collects raw captcha images for labelling, rotating the
// Tor circuit whenever the portal starts refusing requests.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout      = 6 * time.Second
	DefaultCooldown     = 10 * time.Second
	DefaultMaxRotations = 20
)

var ErrTooManyRotations = errors.New("too many circuit rotations")

// Rotator asks for a new exit identity.
type Rotator interface {
	Rotate(ctx context.Context) error
}

type Config struct {
	URL   string
	Count int
	Dir   string
	// Timeout bounds each GET.
	Timeout time.Duration
	// Cooldown is the pause after a rotation while the new circuit builds.
	Cooldown     time.Duration
	MaxRotations int
}

type Downloader struct {
	Client  *http.Client
	Rotator Rotator
	Config  Config
	Logger  *zap.Logger
}

// Result summarizes a run.
type Result struct {
	Saved     int
	Rotations int
}

// Run saves Count captchas as Dir/Picture_<i>.png, i starting at 1. A failed
// request rotates the circuit and retries the same index. Exceeding
// MaxRotations aborts with ErrTooManyRotations.
func (d *Downloader) Run(ctx context.Context) (Result, error) {
	cfg := d.Config
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	var res Result
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return res, fmt.Errorf("failed to create %s: %w", cfg.Dir, err)
	}

	for i := 1; i <= cfg.Count; {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		start := time.Now()
		err := d.fetch(ctx, client, cfg, i)
		if err == nil {
			res.Saved++
			log.Debug("captcha saved", zap.Int("index", i), zap.Duration("elapsed", time.Since(start)))
			i++
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		res.Rotations++
		log.Warn("download failed, rotating circuit",
			zap.Int("index", i), zap.Int("rotations", res.Rotations), zap.Error(err))
		if res.Rotations > cfg.MaxRotations {
			return res, fmt.Errorf("%w (%d): last error: %v", ErrTooManyRotations, cfg.MaxRotations, err)
		}
		if d.Rotator != nil {
			if err := d.Rotator.Rotate(ctx); err != nil {
				return res, fmt.Errorf("rotate circuit: %w", err)
			}
		}
		if err := sleep(ctx, cfg.Cooldown); err != nil {
			return res, err
		}
	}

	log.Info("download finished", zap.Int("saved", res.Saved), zap.Int("rotations", res.Rotations))
	return res, nil
}

func (d *Downloader) fetch(ctx context.Context, client *http.Client, cfg Config, i int) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	name := filepath.Join(cfg.Dir, "Picture_"+strconv.Itoa(i)+".png")
	return os.WriteFile(name, body, 0o644)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
