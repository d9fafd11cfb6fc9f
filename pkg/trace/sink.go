package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Sink ships finished traces to the observability backend. Shipping is
// fire-and-forget: a failed post is logged, never surfaced to the request.
type Sink struct {
	url       string
	publicKey string
	secretKey string
	client    *http.Client
	logger    *slog.Logger
}

// NewSink creates a sink. An empty url disables shipping.
func NewSink(url, publicKey, secretKey string, logger *slog.Logger) *Sink {
	return &Sink{
		url:       url,
		publicKey: publicKey,
		secretKey: secretKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// Enabled reports whether a backend is configured.
func (s *Sink) Enabled() bool { return s.url != "" }

// Ship serializes the trace and posts it to the sink in the background.
func (s *Sink) Ship(t *Trace) {
	if !s.Enabled() || t == nil {
		return
	}
	snapshot := t.Snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.post(ctx, snapshot); err != nil {
			s.logger.Warn("shipping trace", "trace_id", snapshot.ID, "error", err)
		}
	}()
}

func (s *Sink) post(ctx context.Context, export Export) error {
	body, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("marshaling trace: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.publicKey != "" {
		req.SetBasicAuth(s.publicKey, s.secretKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting trace: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("trace sink returned %d", resp.StatusCode)
	}
	return nil
}
