package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// controlTimeout bounds one control-plane command.
const controlTimeout = 5 * time.Second

// Control is a minimal carrier control-plane client. It issues call commands
// (answer, hangup) against the carrier's REST API. Dial and transfer are out
// of scope.
type Control struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewControl returns a control client for the carrier API at baseURL, e.g.
// "https://api.telnyx.com/v2".
func NewControl(baseURL, apiKey string) *Control {
	return &Control{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: controlTimeout},
	}
}

// Answer instructs the carrier to answer the call leg.
func (c *Control) Answer(ctx context.Context, callControlID string) error {
	return c.command(ctx, callControlID, "answer", nil)
}

// Hangup instructs the carrier to terminate the call leg.
func (c *Control) Hangup(ctx context.Context, callControlID string) error {
	return c.command(ctx, callControlID, "hangup", nil)
}

func (c *Control) command(ctx context.Context, callControlID, action string, body any) error {
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("carrier: %s %s: encode: %w", action, callControlID, err)
		}
	}

	url := fmt.Sprintf("%s/calls/%s/actions/%s", c.baseURL, callControlID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("carrier: %s %s: %w", action, callControlID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("carrier: %s %s: %w", action, callControlID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("carrier: %s %s: unexpected status %d", action, callControlID, resp.StatusCode)
	}
	return nil
}
