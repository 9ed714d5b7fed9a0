package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	"go.uber.org/zap"
)

func init() {
	RegisterFactory("https", func(cfg Config, logger *zap.Logger) service.BackendTransport {
		return NewHTTPTransport(cfg, logger)
	})
}

// HTTPTransport POSTs generation requests and yields the SSE response as
// a frame stream. No overall request timeout is set — the stream stays
// open for as long as the backend generates; stalls are caught by the
// header timeout and the stream's per-read idle timeout.
type HTTPTransport struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTPTransport builds a transport over the configured base URL.
func NewHTTPTransport(cfg Config, logger *zap.Logger) *HTTPTransport {
	headerTimeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if headerTimeout <= 0 {
		headerTimeout = 30 * time.Second
	}
	return &HTTPTransport{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: headerTimeout,
			},
		},
		logger: logger,
	}
}

// Generate opens one generation stream. The endpoint argument overrides
// the configured generation path when non-empty.
func (t *HTTPTransport) Generate(ctx context.Context, endpoint string, req *service.GenerationRequest) (service.FrameStream, error) {
	if endpoint == "" {
		endpoint = t.cfg.GenerationPath
	}
	url := strings.TrimSuffix(t.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(endpoint, "/")

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	t.logger.Debug("Opening generation stream",
		zap.String("url", url),
		zap.Int("turns", len(req.Turns)),
		zap.Strings("targets", req.Targets),
		zap.Bool("encrypted", req.RequestKey != ""))

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post generation request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	idle := time.Duration(t.cfg.IdleTimeoutSeconds) * time.Second
	return newSSEFrameStream(resp.Body, idle, t.logger), nil
}
