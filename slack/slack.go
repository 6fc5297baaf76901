// Package slack posts pipeline notifications to a Slack incoming webhook.
// The orchestrator uses it to announce job completion and failure; polling
// stays the primary status surface.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"menucost"
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	webhookURL string
	httpClient doer
}

func NewClient(webhookURL string, httpClient doer) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: httpClient,
	}
}

func (c *Client) PostMessage(ctx context.Context, channel string, message string) error {
	payload, err := json.Marshal(map[string]any{
		"channel": channel,
		"text":    message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to post message: %s", resp.Status)
	}

	return nil
}

// JobSummary formats a status snapshot into a short completion message:
// headline, per-item cost lines for the latest items, and a durability
// warning when the last checkpoint flush failed.
func JobSummary(status menucost.JobStatus) string {
	var b strings.Builder

	switch status.Status {
	case menucost.StatusCompleted:
		fmt.Fprintf(&b, "Estimation job completed: %d items priced.", status.ProcessedCount)
	case menucost.StatusFailed:
		fmt.Fprintf(&b, "Estimation job failed after %d items.", status.ProcessedCount)
	default:
		fmt.Fprintf(&b, "Estimation job %s: %d of %d items priced.", status.Status, status.ProcessedCount, status.TotalKnown)
	}

	for _, item := range status.LatestItems {
		fmt.Fprintf(&b, "\n• %s — $%.2f/serving", item.ItemName, item.IngredientCostPerUnit)
	}

	if status.DurabilityDegraded {
		b.WriteString("\nWarning: the last checkpoint did not reach disk; progress may not survive a restart.")
	}

	return b.String()
}
