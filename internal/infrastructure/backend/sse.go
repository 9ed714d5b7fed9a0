package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	"go.uber.org/zap"
)

// sseFrameStream decodes the backend's text/event-stream body into
// BackendFrames, one per "data:" line.
//
// Two-tier stall protection: a per-read idle timeout detects a stalled
// connection after headers arrived, and the request context (cancelled
// by the caller) unblocks the underlying body read.
type sseFrameStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *zap.Logger
	done    bool
}

func newSSEFrameStream(body io.ReadCloser, idleTimeout time.Duration, logger *zap.Logger) *sseFrameStream {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	scanner := bufio.NewScanner(&timedReader{r: body, timeout: idleTimeout})
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line
	return &sseFrameStream{
		body:    body,
		scanner: scanner,
		logger:  logger,
	}
}

// Next returns the next decoded frame, or io.EOF when the stream ends.
func (s *sseFrameStream) Next(ctx context.Context) (*service.BackendFrame, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}

		var frame service.BackendFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			s.logger.Debug("Skip unparseable SSE frame", zap.Error(err))
			continue
		}
		return &frame, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isIdleTimeoutErr(err) {
			return nil, fmt.Errorf("stream stalled: %w", err)
		}
		return nil, fmt.Errorf("stream scan: %w", err)
	}
	return nil, io.EOF
}

// Close releases the response body. Safe to call after an error.
func (s *sseFrameStream) Close() error {
	s.done = true
	return s.body.Close()
}

// --- stream idle timeout support ---

var errIdleTimeout = fmt.Errorf("stream read idle timeout")

// timedReader wraps an io.Reader and applies a per-Read deadline.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "stream read idle timeout")
}
