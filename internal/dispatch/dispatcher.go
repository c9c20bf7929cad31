// Package dispatch hands queue items to the external processor. The
// processor owns the business outcome and writes the item's terminal status
// itself; Dispatch only reports whether the invocation was delivered.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/techubos/techubagent-sub003/internal/models"
)

// Outcome reports whether an invocation reached the processor.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeError     Outcome = "error"
)

// Dispatcher delivers one queue item to the processor. Implementations are
// faked in tests; the production one is an HTTP client.
type Dispatcher interface {
	Dispatch(ctx context.Context, item models.QueueItem) (Outcome, error)
}

// HTTPDispatcher posts items to the processor endpoint as {"record": item}.
type HTTPDispatcher struct {
	url    string
	client *http.Client
}

// NewHTTP builds a dispatcher for the given processor URL. Calls are bound
// by timeout so a hung processor surfaces as an ordinary dispatch failure.
func NewHTTP(url string, timeout time.Duration) *HTTPDispatcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type invocation struct {
	Record models.QueueItem `json:"record"`
}

// Dispatch delivers the full item so the processor sees organization_id,
// payload, and the item's own id for self-reporting.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, item models.QueueItem) (Outcome, error) {
	body, err := json.Marshal(invocation{Record: item})
	if err != nil {
		return OutcomeError, fmt.Errorf("marshal invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return OutcomeError, fmt.Errorf("build invocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return OutcomeError, fmt.Errorf("invoke processor: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return OutcomeError, fmt.Errorf("processor returned %d for item %s", resp.StatusCode, item.ID)
	}
	return OutcomeCompleted, nil
}
