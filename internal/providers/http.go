// Package providers ships the HTTP-backed collaborator adapters and their
// local fallbacks. Deployments point the engine at provider-side bridge
// endpoints via configuration; anything left unconfigured degrades to a
// safe local behavior rather than a nil dependency.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

const requestTimeout = 30 * time.Second

// Client is the shared HTTP plumbing for all provider adapters.
type Client struct {
	http  *http.Client
	token string
}

// NewClient creates the shared provider HTTP client. token may be empty.
func NewClient(token string) *Client {
	return &Client{
		http:  &http.Client{Timeout: requestTimeout},
		token: token,
	}
}

func (c *Client) do(ctx context.Context, method, url string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("provider HTTP %d: %s", resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode provider response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// ── Capacity Query ──────────────────────────────────────────

// HTTPQuerier reads capacity state from a bridge endpoint.
type HTTPQuerier struct {
	client *Client
	url    string
}

// NewHTTPQuerier creates a querier against the given endpoint.
func NewHTTPQuerier(client *Client, url string) *HTTPQuerier {
	return &HTTPQuerier{client: client, url: url}
}

// GetCapacity posts the handle and expects {"usage": n, "limit": n}.
func (q *HTTPQuerier) GetCapacity(ctx context.Context, handle models.ResourceHandle) (contracts.CapacityReading, error) {
	var out struct {
		Usage float64 `json:"usage"`
		Limit float64 `json:"limit"`
	}
	if _, err := q.client.do(ctx, http.MethodPost, q.url, handle, &out); err != nil {
		return contracts.CapacityReading{}, err
	}
	return contracts.CapacityReading{Usage: out.Usage, Limit: out.Limit}, nil
}

// UnconfiguredQuerier is the local fallback when no query bridge is set.
// Every fetch fails, which the engine treats as "no action this cycle";
// the deployment still serves its API and history but governs nothing.
type UnconfiguredQuerier struct{}

// GetCapacity always fails.
func (UnconfiguredQuerier) GetCapacity(ctx context.Context, handle models.ResourceHandle) (contracts.CapacityReading, error) {
	return contracts.CapacityReading{}, fmt.Errorf("no capacity query bridge configured")
}

// ── Capacity Increase ───────────────────────────────────────

// HTTPIncreaser submits limit-increase requests to a bridge endpoint.
// 4xx responses are classified permanent: the provider understood the
// request and refused it, so retrying cannot help.
type HTTPIncreaser struct {
	client *Client
	url    string
}

// NewHTTPIncreaser creates an increaser against the given endpoint.
func NewHTTPIncreaser(client *Client, url string) *HTTPIncreaser {
	return &HTTPIncreaser{client: client, url: url}
}

type increaseRequest struct {
	Handle       models.ResourceHandle `json:"handle"`
	DesiredValue float64               `json:"desired_value"`
}

// RequestIncrease posts the request and expects {"accepted": bool,
// "request_id": "..."}.
func (i *HTTPIncreaser) RequestIncrease(ctx context.Context, handle models.ResourceHandle, desiredValue float64) (contracts.IncreaseResult, error) {
	var out struct {
		Accepted  bool   `json:"accepted"`
		RequestID string `json:"request_id"`
	}
	status, err := i.client.do(ctx, http.MethodPost, i.url, increaseRequest{Handle: handle, DesiredValue: desiredValue}, &out)
	if err != nil {
		if status >= 400 && status < 500 {
			return contracts.IncreaseResult{}, &contracts.PermanentError{Err: err}
		}
		return contracts.IncreaseResult{}, err
	}
	return contracts.IncreaseResult{Accepted: out.Accepted, RequestID: out.RequestID}, nil
}

// UnconfiguredIncreaser is the local fallback when no increase bridge is
// set. It fails permanently so the coordinator skips its backoff and goes
// straight to the ticket path.
type UnconfiguredIncreaser struct{}

// RequestIncrease always fails permanently.
func (UnconfiguredIncreaser) RequestIncrease(ctx context.Context, handle models.ResourceHandle, desiredValue float64) (contracts.IncreaseResult, error) {
	return contracts.IncreaseResult{}, &contracts.PermanentError{Err: fmt.Errorf("no capacity increase bridge configured")}
}

// ── Tickets ─────────────────────────────────────────────────

// HTTPTicketCreator files support tickets through a bridge endpoint.
type HTTPTicketCreator struct {
	client *Client
	url    string
}

// NewHTTPTicketCreator creates a ticket creator against the endpoint.
func NewHTTPTicketCreator(client *Client, url string) *HTTPTicketCreator {
	return &HTTPTicketCreator{client: client, url: url}
}

type ticketRequest struct {
	Handle        models.ResourceHandle `json:"handle"`
	Justification string                `json:"justification"`
	DesiredValue  float64               `json:"desired_value"`
}

// CreateTicket posts the request and expects {"ticket_id": "..."}.
func (t *HTTPTicketCreator) CreateTicket(ctx context.Context, handle models.ResourceHandle, justification string, desiredValue float64) (string, error) {
	var out struct {
		TicketID string `json:"ticket_id"`
	}
	if _, err := t.client.do(ctx, http.MethodPost, t.url, ticketRequest{Handle: handle, Justification: justification, DesiredValue: desiredValue}, &out); err != nil {
		return "", err
	}
	if out.TicketID == "" {
		return "", fmt.Errorf("ticket endpoint returned no ticket_id")
	}
	return out.TicketID, nil
}

// LogTicketCreator is the local fallback: it mints a ticket ID and logs
// the request at error level so it cannot pass unnoticed in a deployment
// that forgot to configure a real ticketing bridge.
type LogTicketCreator struct{}

// CreateTicket logs the request and returns a generated local ticket ID.
func (LogTicketCreator) CreateTicket(ctx context.Context, handle models.ResourceHandle, justification string, desiredValue float64) (string, error) {
	id := "local-" + uuid.New().String()[:8]
	log.Error().
		Str("ticket", id).
		Str("handle", handle.Key()).
		Float64("desired", desiredValue).
		Str("justification", justification).
		Msg("NO TICKETING BRIDGE CONFIGURED: manual capacity request recorded in log only")
	return id, nil
}

// ── Approvals ───────────────────────────────────────────────

// HTTPApprovalStarter triggers an external approval workflow. The decision
// comes back later through the /actions/{id}/approve|deny callback.
type HTTPApprovalStarter struct {
	client *Client
	url    string
}

// NewHTTPApprovalStarter creates an approval starter against the endpoint.
func NewHTTPApprovalStarter(client *Client, url string) *HTTPApprovalStarter {
	return &HTTPApprovalStarter{client: client, url: url}
}

// StartApproval posts the action and expects {"workflow_id": "..."}.
func (a *HTTPApprovalStarter) StartApproval(ctx context.Context, action *models.Action) (string, error) {
	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	if _, err := a.client.do(ctx, http.MethodPost, a.url, action, &out); err != nil {
		return "", err
	}
	if out.WorkflowID == "" {
		return "", fmt.Errorf("approval endpoint returned no workflow_id")
	}
	return out.WorkflowID, nil
}

// CallbackApprovalStarter is the local fallback: no external workflow
// exists, so the action simply waits in pending_approval for an operator
// to hit the approve/deny endpoint. The workflow ID is the action ID.
type CallbackApprovalStarter struct{}

// StartApproval returns the action's own ID as the workflow handle.
func (CallbackApprovalStarter) StartApproval(ctx context.Context, action *models.Action) (string, error) {
	log.Info().
		Str("action", action.ID).
		Str("handle", action.Handle.Key()).
		Msg("Awaiting operator approval via API callback")
	return action.ID, nil
}
