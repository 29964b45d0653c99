package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"photosearch/internal/models"
)

// Command is an argv prefix; the image path is appended as the last argument.
type Command struct {
	Argv    []string
	Timeout time.Duration
}

type ProcessImageEmbedder struct {
	cmd Command
}

func NewProcessImageEmbedder(cmd Command) *ProcessImageEmbedder {
	return &ProcessImageEmbedder{cmd: cmd}
}

func (e *ProcessImageEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	line, err := runOnImage(ctx, e.cmd, image)
	if err != nil {
		return nil, fmt.Errorf("image embedder: %w", err)
	}

	var values []float64
	if err := json.Unmarshal(line, &values); err != nil {
		return nil, fmt.Errorf("image embedder: %w: %v", ErrMalformedOutput, err)
	}
	vec, err := ValidateVector(values)
	if err != nil {
		return nil, fmt.Errorf("image embedder: %w", err)
	}
	return vec, nil
}

type ProcessCaptioner struct {
	cmd Command
}

func NewProcessCaptioner(cmd Command) *ProcessCaptioner {
	return &ProcessCaptioner{cmd: cmd}
}

func (c *ProcessCaptioner) Caption(ctx context.Context, image []byte) (Caption, error) {
	line, err := runOnImage(ctx, c.cmd, image)
	if err != nil {
		return Caption{}, fmt.Errorf("captioner: %w", err)
	}

	var out Caption
	if err := json.Unmarshal(line, &out); err != nil {
		return Caption{}, fmt.Errorf("captioner: %w: %v", ErrMalformedOutput, err)
	}
	out.Text = strings.TrimSpace(out.Text)
	out.Tags = models.NormalizeTags(out.Tags)
	return out, nil
}

// runOnImage writes image into a fresh temp dir, runs the command on it and
// returns the last non-empty stdout line. The dir is removed on every path.
func runOnImage(ctx context.Context, c Command, image []byte) ([]byte, error) {
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("no command configured")
	}

	dir, err := os.MkdirTemp("", "photosearch-runner-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "input.jpg")
	if err := os.WriteFile(path, image, 0o600); err != nil {
		return nil, fmt.Errorf("write temp image: %w", err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, c.Argv[1:]...), path)
	cmd := exec.CommandContext(ctx, c.Argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		slog.Warn("runner command failed",
			"cmd", c.Argv[0], "error", err, "stderr", tail(stderr.String(), 500))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w: %s", c.Argv[0], err, tail(stderr.String(), 500))
	}
	slog.Debug("runner command finished", "cmd", c.Argv[0], "elapsed_ms", time.Since(start).Milliseconds())

	line := lastLine(stdout.Bytes())
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty stdout", ErrMalformedOutput)
	}
	return line, nil
}

func lastLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if l := bytes.TrimSpace(lines[i]); len(l) > 0 {
			return l
		}
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
