package runner

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photosearch/internal/models"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("runner scripts need a POSIX shell")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func vectorLiteral(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "0.01"
	}
	return strings.Join(parts, ",")
}

func TestValidateVector(t *testing.T) {
	good := make([]float64, models.EmbeddingDim)
	vec, err := ValidateVector(good)
	require.NoError(t, err)
	assert.Len(t, vec, models.EmbeddingDim)

	_, err = ValidateVector(good[:511])
	assert.ErrorIs(t, err, ErrMalformedOutput)

	bad := make([]float64, models.EmbeddingDim)
	bad[7] = math.NaN()
	_, err = ValidateVector(bad)
	assert.ErrorIs(t, err, ErrMalformedOutput)

	bad[7] = math.Inf(1)
	_, err = ValidateVector(bad)
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestProcessImageEmbedder(t *testing.T) {
	requireShell(t)

	marker := filepath.Join(t.TempDir(), "dir.txt")
	script := writeScript(t, `
test -f "$1" || exit 9
dirname "$1" > `+marker+`
echo "loading model..."
echo "[`+vectorLiteral(512)+`]"
`)
	e := NewProcessImageEmbedder(Command{Argv: []string{script}, Timeout: 10 * time.Second})
	vec, err := e.EmbedImage(context.Background(), []byte("jpeg bytes"))
	require.NoError(t, err)
	assert.Len(t, vec, 512)
	assert.InDelta(t, 0.01, vec[0], 1e-6)

	dir, err := os.ReadFile(marker)
	require.NoError(t, err)
	_, statErr := os.Stat(strings.TrimSpace(string(dir)))
	assert.True(t, os.IsNotExist(statErr), "temp dir should be removed")
}

func TestProcessImageEmbedderFailures(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name   string
		script string
		target error
	}{
		{"wrong dimension", `echo "[1,2,3]"`, ErrMalformedOutput},
		{"not json", `echo "hello"`, ErrMalformedOutput},
		{"empty stdout", `true`, ErrMalformedOutput},
		{"non-zero exit", `echo boom >&2; exit 2`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewProcessImageEmbedder(Command{Argv: []string{writeScript(t, tt.script)}})
			_, err := e.EmbedImage(context.Background(), []byte("x"))
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestProcessEmbedderTimeout(t *testing.T) {
	requireShell(t)
	e := NewProcessImageEmbedder(Command{Argv: []string{writeScript(t, "exec sleep 5")}, Timeout: 100 * time.Millisecond})
	_, err := e.EmbedImage(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestProcessCaptionerNormalizesTags(t *testing.T) {
	requireShell(t)
	script := writeScript(t, `echo '{"caption":"  photo of beach with sunset ","tags":["Beach"," SUNSET","","beach"]}'`)
	c := NewProcessCaptioner(Command{Argv: []string{script}})

	out, err := c.Caption(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "photo of beach with sunset", out.Text)
	assert.Equal(t, []string{"beach", "sunset"}, out.Tags)
}

func textServerScript(t *testing.T) string {
	return writeScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  q=$(printf '%s' "$line" | sed -n 's/.*"q":"\([^"]*\)".*/\1/p')
  case "$q" in
    hang) ;;
    die) exit 3 ;;
    bad) printf '{"id":"%s","error":"model failed"}\n' "$id" ;;
    short) printf '{"id":"%s","vector":[1,2]}\n' "$id" ;;
    *) printf '{"id":"%s","vector":[`+vectorLiteral(512)+`]}\n' "$id" ;;
  esac
done
`)
}

func TestTextServerRoundTrip(t *testing.T) {
	requireShell(t)
	s := NewTextServer([]string{textServerScript(t)}, 5*time.Second)
	t.Cleanup(func() { _ = s.Close() })

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec, err := s.EmbedText(context.Background(), "beach")
			if err == nil && len(vec) != 512 {
				err = errors.New("wrong length")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestTextServerErrors(t *testing.T) {
	requireShell(t)
	s := NewTextServer([]string{textServerScript(t)}, time.Second)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	_, err := s.EmbedText(ctx, "bad")
	assert.ErrorContains(t, err, "model failed")

	_, err = s.EmbedText(ctx, "short")
	assert.ErrorIs(t, err, ErrMalformedOutput)

	_, err = s.EmbedText(ctx, "hang")
	assert.ErrorIs(t, err, ErrTimeout)

	s.mu.Lock()
	pending := len(s.proc.pending)
	s.mu.Unlock()
	assert.Zero(t, pending, "timed out request must leave the pending map")
}

func TestTextServerRestartsAfterExit(t *testing.T) {
	requireShell(t)
	s := NewTextServer([]string{textServerScript(t)}, 5*time.Second)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	_, err := s.EmbedText(ctx, "die")
	assert.ErrorIs(t, err, ErrRunnerExited)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.proc == nil
	}, 2*time.Second, 10*time.Millisecond)

	vec, err := s.EmbedText(ctx, "forest")
	require.NoError(t, err)
	assert.Len(t, vec, 512)
}
