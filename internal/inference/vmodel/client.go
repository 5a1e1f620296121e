package vmodel

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

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("vmodel: api key is required")

// Options configures the hosted task API client.
type Options struct {
	APIKey         string
	BaseURL        string
	Version        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client submits hairstyle transfers to a hosted task API and polls them.
type Client struct {
	apiKey     string
	baseURL    string
	version    string
	httpClient *http.Client
	logger     *infra.Logger
}

type createRequest struct {
	Version string      `json:"version"`
	Input   createInput `json:"input"`
}

type createInput struct {
	Target     string `json:"target_image"`
	TargetMask string `json:"target_mask,omitempty"`
	Swap       string `json:"swap_image"`
	SwapMask   string `json:"swap_mask,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

type envelope struct {
	Code    int             `json:"code"`
	Result  json.RawMessage `json:"result"`
	Message json.RawMessage `json:"message"`
}

type createResult struct {
	TaskID string `json:"task_id"`
}

type taskResult struct {
	TaskID      string          `json:"task_id"`
	Status      string          `json:"status"`
	Output      []string        `json:"output"`
	Error       json.RawMessage `json:"error"`
	PredictTime float64         `json:"predict_time"`
}

// NewClient constructs a client with defaults applied.
func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
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
		baseURL = "https://api.vmodel.ai"
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		version:    strings.TrimSpace(opts.Version),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *Client) Name() string { return "vmodel" }

// RequiresPublicInputs reports that the remote service downloads inputs
// itself and cannot read local:// references.
func (c *Client) RequiresPublicInputs() bool { return true }

// Submit creates a task and returns its id.
func (c *Client) Submit(ctx context.Context, p inference.Payload) (inference.Submission, error) {
	body := createRequest{
		Version: c.version,
		Input: createInput{
			Target:     p.Input(domain.InputSeedImage),
			TargetMask: p.Input(domain.InputSeedMask),
			Swap:       p.Input(domain.InputReferenceImage),
			SwapMask:   p.Input(domain.InputReferenceMask),
			Mode:       string(p.Mode),
		},
	}

	start := time.Now()
	var created createResult
	err := c.call(ctx, http.MethodPost, c.baseURL+"/api/tasks/v1/create", body, &created)
	timing := inference.Since(start)
	if err != nil {
		return inference.Submission{Timing: timing}, err
	}
	if created.TaskID == "" {
		return inference.Submission{Timing: timing}, errors.New("vmodel: response missing task id")
	}
	c.logger.Debug().Str("job_id", p.JobID).Str("task_id", created.TaskID).Msg("vmodel: task created")
	return inference.Submission{TaskID: created.TaskID, Timing: timing}, nil
}

// Poll reads the current state of a task.
func (c *Client) Poll(ctx context.Context, taskID string) (inference.PollResult, error) {
	start := time.Now()
	var task taskResult
	err := c.call(ctx, http.MethodGet, c.baseURL+"/api/tasks/v1/get/"+url.PathEscape(taskID), nil, &task)
	result := inference.PollResult{Timing: inference.Since(start)}
	if err != nil {
		return result, err
	}
	if task.PredictTime > 0 {
		result.ProcessingTime = time.Duration(task.PredictTime * float64(time.Second))
	}

	switch strings.ToLower(task.Status) {
	case "starting":
		result.Status = inference.TaskQueued
	case "processing":
		result.Status = inference.TaskRunning
	case "succeeded":
		result.Status = inference.TaskSucceeded
		for _, out := range task.Output {
			if out = strings.TrimSpace(out); out != "" {
				result.Output = &inference.Output{URL: out}
				break
			}
		}
	case "failed":
		result.Status = inference.TaskFailed
		result.Error = inference.Summarize(errorText(task.Error, "task failed"))
	case "canceled", "cancelled":
		result.Status = inference.TaskCanceled
	default:
		return result, fmt.Errorf("vmodel: unknown status %q", task.Status)
	}
	return result, nil
}

// Ping reports configuration only; the API has no health route.
func (c *Client) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("vmodel: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("vmodel: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vmodel: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("vmodel: read response: %w", err)
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		if decodeErr == nil && len(env.Message) > 0 {
			return fmt.Errorf("vmodel: status %d: %s", resp.StatusCode, inference.Summarize(errorText(env.Message, "")))
		}
		return fmt.Errorf("vmodel: status %d: %s", resp.StatusCode, inference.Summarize(string(raw)))
	}
	if decodeErr != nil {
		return fmt.Errorf("vmodel: decode response: %w", decodeErr)
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return fmt.Errorf("vmodel: code %d: %s", env.Code, inference.Summarize(errorText(env.Message, "request rejected")))
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("vmodel: decode result: %w", err)
	}
	return nil
}

// errorText flattens the API's error fields, which are either strings or
// objects keyed by language.
func errorText(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return fallback
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err == nil {
		if v := strings.TrimSpace(m["en"]); v != "" {
			return v
		}
		for _, v := range m {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
		return fallback
	}
	return string(raw)
}

var _ inference.Async = (*Client)(nil)
