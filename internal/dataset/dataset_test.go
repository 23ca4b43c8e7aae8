package dataset

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubExtractor returns a fixed number of digits per label, or an error.
type stubExtractor struct {
	mu     sync.Mutex
	counts map[string]int
	errs   map[string]error
	seen   []string
}

func (s *stubExtractor) Extract(ctx context.Context, data []byte, label string) ([]*image.Gray, error) {
	s.mu.Lock()
	s.seen = append(s.seen, label)
	s.mu.Unlock()
	if err := s.errs[label]; err != nil {
		return nil, err
	}
	n, ok := s.counts[label]
	if !ok {
		n = len(label)
	}
	out := make([]*image.Gray, n)
	for i := range out {
		out[i] = image.NewGray(image.Rect(0, 0, 28, 28))
	}
	return out, nil
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("png"), 0o644))
	}
}

func TestLabel(t *testing.T) {
	got, err := Label("/tmp/captchas/04172.png")
	require.NoError(t, err)
	assert.Equal(t, "04172", got)

	for _, bad := range []string{"Picture_1.png", "12a4.png", ".png"} {
		_, err := Label(bad)
		assert.ErrorIs(t, err, ErrBadLabel, bad)
	}
}

func TestBuildWritesAcceptedDigits(t *testing.T) {
	src, out := t.TempDir(), t.TempDir()
	touch(t, src, "0417.png", "99.png", "123.png", "Picture_3.png", "555.png", "notes.txt")

	ext := &stubExtractor{
		counts: map[string]int{"123": 2},
		errs:   map[string]error{"555": errors.New("cannot segment digits")},
	}
	b := &Builder{Extractor: ext, Workers: 3, Logger: zaptest.NewLogger(t)}

	sum, err := b.Build(context.Background(), src, out)
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Images)
	assert.Equal(t, 2, sum.Accepted)
	assert.Equal(t, 3, sum.Skipped)
	assert.Equal(t, map[int]int{0: 1, 4: 1, 1: 1, 7: 1, 9: 2}, sum.Digits)
	assert.NotContains(t, ext.seen, "Picture_3", "bad labels never reach the extractor")

	for _, f := range []string{"0/0417_0.png", "4/0417_1.png", "1/0417_2.png", "7/0417_3.png", "9/99_0.png", "9/99_1.png"} {
		assert.FileExists(t, filepath.Join(out, f))
	}
	assert.NoDirExists(t, filepath.Join(out, "2"), "rejected captchas write nothing")
	assert.NoDirExists(t, filepath.Join(out, "5"))
}

func TestBuildStopsOnCancellation(t *testing.T) {
	src, out := t.TempDir(), t.TempDir()
	touch(t, src, "11.png", "22.png")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &Builder{Extractor: &stubExtractor{}}
	_, err := b.Build(ctx, src, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildEmptyDir(t *testing.T) {
	b := &Builder{Extractor: &stubExtractor{}}
	sum, err := b.Build(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "digits"))
	require.NoError(t, err)
	assert.Zero(t, sum.Images)
	assert.Empty(t, sum.Digits)
}
