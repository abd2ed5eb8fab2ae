package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/personadesk/run-orchestrator/internal/domain"
)

// Client invokes backend commands over HTTP as JSON POSTs to
// {base}/commands/{command}.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) invoke(ctx context.Context, command string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/commands/"+command, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: backend returned %s", command, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", command, err)
	}
	return nil
}

// StartRun invokes start_<category> and returns the backend-minted run id.
func (c *Client) StartRun(ctx context.Context, category domain.RunCategory, subjectKey string, params map[string]any) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	err := c.invoke(ctx, CommandName("start", category), map[string]any{
		"subject_key": subjectKey,
		"params":      params,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.RunID == "" {
		return "", fmt.Errorf("%s: backend returned no run id", CommandName("start", category))
	}
	return out.RunID, nil
}

// CancelRun invokes cancel_<category>. Best-effort; the caller treats
// failures as non-fatal.
func (c *Client) CancelRun(ctx context.Context, category domain.RunCategory, runID string) error {
	return c.invoke(ctx, CommandName("cancel", category), map[string]any{"run_id": runID}, nil)
}

// FetchSnapshot invokes get_<category>_snapshot. Idempotent.
func (c *Client) FetchSnapshot(ctx context.Context, category domain.RunCategory, runID string) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := c.invoke(ctx, CommandName("snapshot", category), map[string]any{"run_id": runID}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListRuns invokes list_<category>_runs.
func (c *Client) ListRuns(ctx context.Context, category domain.RunCategory) ([]string, error) {
	var out struct {
		RunIDs []string `json:"run_ids"`
	}
	if err := c.invoke(ctx, CommandName("list", category), map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.RunIDs, nil
}
