package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Alert is the webhook payload for a crossed budget threshold.
type Alert struct {
	OrgID        string  `json:"org_id"`
	ThresholdPct int     `json:"threshold"`
	UsageUSD     float64 `json:"usage_usd"`
	BudgetUSD    float64 `json:"budget_usd"`
}

// Notifier posts budget alerts to the configured webhook. Delivery is
// async and best-effort; a failed post is logged and dropped.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a notifier. An empty URL disables delivery.
func NewNotifier(webhookURL string, logger *slog.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// Send posts the alert in the background.
func (n *Notifier) Send(alert Alert) {
	if !n.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.post(ctx, alert); err != nil {
			n.logger.Warn("delivering budget alert", "org_id", alert.OrgID, "error", err)
		}
	}()
}

func (n *Notifier) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshaling alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
