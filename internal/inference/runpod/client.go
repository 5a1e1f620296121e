package runpod

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

	"hairswap/internal/domain"
	"hairswap/internal/inference"
	"hairswap/internal/infra"
)

// ErrMissingEndpoint indicates the client was configured without an endpoint id.
var ErrMissingEndpoint = errors.New("runpod: endpoint id is required")

// Options configures the serverless endpoint client.
type Options struct {
	APIKey         string
	EndpointID     string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client talks to a serverless endpoint exposing run/status/health routes.
type Client struct {
	apiKey     string
	endpoint   string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type runRequest struct {
	Input jobInput `json:"input"`
}

type jobInput struct {
	JobID             string `json:"job_id"`
	SeedImageURL      string `json:"seed_image_url"`
	SeedMaskURL       string `json:"seed_mask_url"`
	ReferenceImageURL string `json:"reference_image_url"`
	ReferenceMaskURL  string `json:"reference_mask_url"`
	Mode              string `json:"mode,omitempty"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type statusResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

// workerOutput is the handler result carried in a COMPLETED status.
type workerOutput struct {
	Status         string  `json:"status"`
	ResultURL      string  `json:"result_url"`
	Error          string  `json:"error"`
	ProcessingTime float64 `json:"processing_time"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimSpace(opts.EndpointID)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.runpod.ai/v2"
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		endpoint:   endpoint,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) Name() string { return "runpod" }

// RequiresPublicInputs reports that the remote service downloads inputs
// itself and cannot read local:// references.
func (c *Client) RequiresPublicInputs() bool { return true }

// Submit queues the payload on the endpoint and returns the task id.
func (c *Client) Submit(ctx context.Context, p inference.Payload) (inference.Submission, error) {
	body := runRequest{Input: jobInput{
		JobID:             p.JobID,
		SeedImageURL:      p.Input(domain.InputSeedImage),
		SeedMaskURL:       p.Input(domain.InputSeedMask),
		ReferenceImageURL: p.Input(domain.InputReferenceImage),
		ReferenceMaskURL:  p.Input(domain.InputReferenceMask),
		Mode:              string(p.Mode),
	}}

	start := time.Now()
	var decoded runResponse
	err := c.do(ctx, http.MethodPost, c.route("run"), body, &decoded)
	timing := inference.Since(start)
	if err != nil {
		return inference.Submission{Timing: timing}, err
	}
	if decoded.ID == "" {
		return inference.Submission{Timing: timing}, errors.New("runpod: response missing job id")
	}
	c.logger.Debug().Str("job_id", p.JobID).Str("task_id", decoded.ID).Str("status", decoded.Status).Msg("runpod: job queued")
	return inference.Submission{TaskID: decoded.ID, Timing: timing}, nil
}

// Poll fetches the current status of a task.
func (c *Client) Poll(ctx context.Context, taskID string) (inference.PollResult, error) {
	start := time.Now()
	var decoded statusResponse
	err := c.do(ctx, http.MethodGet, c.route("status", taskID), nil, &decoded)
	result := inference.PollResult{Timing: inference.Since(start)}
	if err != nil {
		return result, err
	}
	if decoded.ExecutionTime > 0 {
		result.ProcessingTime = time.Duration(decoded.ExecutionTime) * time.Millisecond
	}

	switch decoded.Status {
	case "IN_QUEUE":
		result.Status = inference.TaskQueued
	case "IN_PROGRESS":
		result.Status = inference.TaskRunning
	case "CANCELLED":
		result.Status = inference.TaskCanceled
	case "FAILED", "TIMED_OUT":
		result.Status = inference.TaskFailed
		result.Error = inference.Summarize(firstNonEmpty(decoded.Error, strings.ToLower(decoded.Status)))
	case "COMPLETED":
		var out workerOutput
		if len(decoded.Output) > 0 {
			if err := json.Unmarshal(decoded.Output, &out); err != nil {
				return result, fmt.Errorf("runpod: decode output: %w", err)
			}
		}
		if out.ProcessingTime > 0 {
			result.ProcessingTime = time.Duration(out.ProcessingTime * float64(time.Second))
		}
		if out.Status == "error" {
			result.Status = inference.TaskFailed
			result.Error = inference.Summarize(firstNonEmpty(out.Error, "worker reported an error"))
			return result, nil
		}
		result.Status = inference.TaskSucceeded
		if out.ResultURL != "" {
			result.Output = &inference.Output{URL: out.ResultURL}
		}
	default:
		return result, fmt.Errorf("runpod: unknown status %q", decoded.Status)
	}
	return result, nil
}

// Ping queries the endpoint health route.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.route("health"), nil, nil)
}

func (c *Client) route(parts ...string) string {
	escaped := make([]string, 0, len(parts)+1)
	escaped = append(escaped, url.PathEscape(c.endpoint))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("runpod: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("runpod: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runpod: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("runpod: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && firstNonEmpty(detail.Error, detail.Message) != "" {
			return fmt.Errorf("runpod: status %d: %s", resp.StatusCode, inference.Summarize(firstNonEmpty(detail.Error, detail.Message)))
		}
		return fmt.Errorf("runpod: status %d: %s", resp.StatusCode, inference.Summarize(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("runpod: decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var _ inference.Async = (*Client)(nil)
