package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

type textRequest struct {
	ID string `json:"id"`
	Q  string `json:"q"`
}

type textResponse struct {
	ID     *string   `json:"id"`
	Vector []float64 `json:"vector"`
	Error  string    `json:"error"`
}

type textResult struct {
	vector []float64
	err    error
}

type textProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan textResult
}

// TextServer multiplexes requests over one long-lived embedding process.
// The process is started on first use and again after it exits.
type TextServer struct {
	argv    []string
	timeout time.Duration

	mu   sync.Mutex
	proc *textProcess
}

func NewTextServer(argv []string, timeout time.Duration) *TextServer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &TextServer{argv: argv, timeout: timeout}
}

func (s *TextServer) EmbedText(ctx context.Context, text string) ([]float32, error) {
	id := uuid.NewString()
	ch := make(chan textResult, 1)

	line, err := json.Marshal(textRequest{ID: id, Q: text})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	p, err := s.ensureLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	p.pending[id] = ch
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		delete(p.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: write request: %v", ErrRunnerExited, err)
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return ValidateVector(res.vector)
	case <-timer.C:
		s.forget(p, id)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	case <-ctx.Done():
		s.forget(p, id)
		return nil, ctx.Err()
	}
}

func (s *TextServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	_ = s.proc.stdin.Close()
	err := s.proc.cmd.Process.Kill()
	s.proc = nil
	return err
}

func (s *TextServer) forget(p *textProcess, id string) {
	s.mu.Lock()
	delete(p.pending, id)
	s.mu.Unlock()
}

func (s *TextServer) ensureLocked() (*textProcess, error) {
	if s.proc != nil {
		return s.proc, nil
	}
	if len(s.argv) == 0 {
		return nil, errors.New("text server: no command configured")
	}

	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("text server stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("text server stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start text server: %w", err)
	}
	slog.Info("text embedding server started", "pid", cmd.Process.Pid)

	p := &textProcess{cmd: cmd, stdin: stdin, pending: make(map[string]chan textResult)}
	s.proc = p
	go s.readLoop(p, stdout)
	return p, nil
}

func (s *TextServer) readLoop(p *textProcess, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var resp textResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			slog.Warn("text server emitted malformed line", "error", err)
			continue
		}
		if resp.ID == nil {
			slog.Warn("text server error without request id", "error", resp.Error)
			continue
		}

		s.mu.Lock()
		ch, ok := p.pending[*resp.ID]
		delete(p.pending, *resp.ID)
		s.mu.Unlock()
		if !ok {
			continue
		}

		if resp.Error != "" {
			ch <- textResult{err: fmt.Errorf("text server: %s", resp.Error)}
		} else {
			ch <- textResult{vector: resp.Vector}
		}
	}

	err := p.cmd.Wait()
	slog.Warn("text embedding server exited", "error", err)

	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	for id, ch := range p.pending {
		ch <- textResult{err: ErrRunnerExited}
		delete(p.pending, id)
	}
	s.mu.Unlock()
}
