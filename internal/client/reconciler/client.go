package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/louisbranch/conditionwatch/internal/platform/timeouts"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/domain"
)

const maxResponseBytes = 1 << 20

var (
	// ErrOffline indicates the server could not be reached or failed
	// transiently. Callers queue and retry.
	ErrOffline = errors.New("acknowledgement server unreachable")
	// ErrConflict indicates the server summary moved past the client's
	// version, or the condition is gone.
	ErrConflict = errors.New("acknowledgement conflicts with server summary")
)

// ConflictError carries the server's current summary version.
type ConflictError struct {
	Code          string
	ServerVersion string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: server summary is %s", e.Code, e.ServerVersion)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StatusError is a non-retryable server rejection other than a conflict.
type StatusError struct {
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Code)
}

// AckRequest is the acknowledgement endpoint request body.
type AckRequest struct {
	MapTokenID         string     `json:"map_token_id"`
	ConditionKey       string     `json:"condition_key"`
	SummaryGeneratedAt string     `json:"summary_generated_at"`
	Source             string     `json:"source"`
	QueuedAt           *time.Time `json:"queued_at,omitempty"`
}

// AckResponse is the acknowledgement endpoint success body.
type AckResponse struct {
	Acknowledgement struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"acknowledgement"`
	SummaryGeneratedAt string `json:"summary_generated_at"`
}

type errorEnvelope struct {
	Error struct {
		Code     string            `json:"code"`
		Metadata map[string]string `json:"metadata"`
	} `json:"error"`
}

// Client calls the conditions HTTP API on behalf of one player.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client for baseURL authenticating with a player token.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("endpoint is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if timeout <= 0 {
		timeout = timeouts.AckRequest
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Acknowledge posts one acknowledgement.
func (c *Client) Acknowledge(ctx context.Context, groupID string, req AckRequest) (AckResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return AckResponse{}, fmt.Errorf("encode acknowledgement: %w", err)
	}
	var out AckResponse
	if err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/acknowledgements", body, &out); err != nil {
		return AckResponse{}, err
	}
	return out, nil
}

// FetchSummary loads the group's current summary.
func (c *Client) FetchSummary(ctx context.Context, groupID string) (domain.Summary, error) {
	var out domain.Summary
	if err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/summary", nil, &out); err != nil {
		return domain.Summary{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrOffline, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		var envelope errorEnvelope
		_ = json.Unmarshal(raw, &envelope)
		return &ConflictError{
			Code:          envelope.Error.Code,
			ServerVersion: envelope.Error.Metadata["summary_generated_at"],
		}
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d", ErrOffline, resp.StatusCode)
	default:
		var envelope errorEnvelope
		_ = json.Unmarshal(raw, &envelope)
		return &StatusError{Status: resp.StatusCode, Code: envelope.Error.Code}
	}
}
