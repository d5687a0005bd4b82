package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// State of a submitted request as reported by the provider queue.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ResultPayload is the provider's successful output: a URL to fetch the
// artifact from, plus the seed the provider used if it reports one. The
// caller owns the payload; the gateway persists nothing.
type ResultPayload struct {
	URL         string
	ContentType string
	Seed        string
}

// StatusResult is the tagged outcome of a status poll.
type StatusResult struct {
	State    State
	Artifact ResultPayload // set when State is StateCompleted
	Error    string        // set when State is StateFailed
}

// SubmissionError means the provider rejected the job or was unreachable at
// submit time. Callers must leave the job record in pending.
type SubmissionError struct {
	ModelID string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit to %s: %v", e.ModelID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// QueryError means a status poll failed at the transport or protocol level.
type QueryError struct {
	CorrelationID string
	Err           error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query status of %s: %v", e.CorrelationID, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Client talks to the provider's async compute queue.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(baseURL, apiKey string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Submit hands the job to the queue and registers webhookURL for the
// completion callback. Returns the provider-assigned correlation ID.
func (c *Client) Submit(ctx context.Context, modelID string, input json.RawMessage, webhookURL string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s?fal_webhook=%s", c.baseURL, modelID, url.QueryEscape(webhookURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
	if err != nil {
		return "", &SubmissionError{ModelID: modelID, Err: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &SubmissionError{ModelID: modelID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &SubmissionError{ModelID: modelID, Err: fmt.Errorf("provider returned %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))}
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", &SubmissionError{ModelID: modelID, Err: fmt.Errorf("decode response: %w", err)}
	}
	if sr.RequestID == "" {
		return "", &SubmissionError{ModelID: modelID, Err: fmt.Errorf("provider returned no request_id")}
	}
	return sr.RequestID, nil
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// QueryStatus synchronously polls the queue. Used by the reconciliation
// poller; the webhook fast path never calls it.
func (c *Client) QueryStatus(ctx context.Context, modelID, correlationID string) (StatusResult, error) {
	endpoint := fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, modelID, correlationID)
	var sr statusResponse
	if err := c.getJSON(ctx, endpoint, &sr); err != nil {
		return StatusResult{}, &QueryError{CorrelationID: correlationID, Err: err}
	}

	switch sr.Status {
	case "IN_QUEUE", "IN_PROGRESS":
		return StatusResult{State: StateInProgress}, nil
	case "COMPLETED", "OK":
		artifact, err := c.fetchResult(ctx, modelID, correlationID)
		if err != nil {
			return StatusResult{}, &QueryError{CorrelationID: correlationID, Err: err}
		}
		return StatusResult{State: StateCompleted, Artifact: artifact}, nil
	case "FAILED", "ERROR":
		msg := sr.Error
		if msg == "" {
			msg = "provider reported failure without detail"
		}
		return StatusResult{State: StateFailed, Error: msg}, nil
	default:
		return StatusResult{}, &QueryError{CorrelationID: correlationID, Err: fmt.Errorf("unknown status %q", sr.Status)}
	}
}

// resultEnvelope covers the shapes the provider uses for finished requests.
// Extra fields are ignored on purpose.
type resultEnvelope struct {
	Video *mediaRef   `json:"video"`
	Image *mediaRef   `json:"image"`
	Seed  json.Number `json:"seed"`
}

type mediaRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// ParseResult extracts the artifact reference from a finished request's
// payload. Shared by QueryStatus and the webhook handler, which receives the
// same payload shape in the callback body.
func ParseResult(payload json.RawMessage) (ResultPayload, error) {
	var env resultEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ResultPayload{}, fmt.Errorf("decode result payload: %w", err)
	}
	ref := env.Video
	if ref == nil {
		ref = env.Image
	}
	if ref == nil || ref.URL == "" {
		return ResultPayload{}, fmt.Errorf("result payload carries no artifact url")
	}
	return ResultPayload{URL: ref.URL, ContentType: ref.ContentType, Seed: env.Seed.String()}, nil
}

func (c *Client) fetchResult(ctx context.Context, modelID, correlationID string) (ResultPayload, error) {
	endpoint := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, modelID, correlationID)
	var payload json.RawMessage
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return ResultPayload{}, err
	}
	return ParseResult(payload)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, readBodyPrefix(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}
}

func readBodyPrefix(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}
