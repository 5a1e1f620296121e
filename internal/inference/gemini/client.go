package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
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
var ErrMissingAPIKey = errors.New("gemini: api key is required")

// Fetcher resolves input references to bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Fetcher    Fetcher
	Logger     *infra.Logger
}

// Client runs hairstyle transfers synchronously through the generateContent
// image editing API. A single call blocks until the edited image is returned.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	fetcher    Fetcher
	logger     *infra.Logger
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may provide
// a nil HTTP client; one with a generous timeout is created.
func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if opts.Fetcher == nil {
		return nil, errors.New("gemini: fetcher is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-2.5-flash-image-preview"
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		fetcher:    opts.Fetcher,
		logger:     logger,
	}, nil
}

func (c *Client) Name() string { return "gemini" }

// Model returns the configured Gemini model identifier.
func (c *Client) Model() string { return c.model }

// Ping has no remote counterpart; the client is healthy when configured.
func (c *Client) Ping(ctx context.Context) error { return ctx.Err() }

// Run edits the seed photo so it wears the reference hairstyle.
func (c *Client) Run(ctx context.Context, p inference.Payload) (inference.RunResult, error) {
	started := time.Now()
	seed, seedMIME, err := c.fetcher.Fetch(ctx, p.Input(domain.InputSeedImage))
	if err != nil {
		return inference.RunResult{}, fmt.Errorf("gemini: load seed image: %w", err)
	}
	ref, refMIME, err := c.fetcher.Fetch(ctx, p.Input(domain.InputReferenceImage))
	if err != nil {
		return inference.RunResult{}, fmt.Errorf("gemini: load reference image: %w", err)
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: buildPrompt(p.Mode)},
				{InlineData: &geminiInlineData{MimeType: imageMIME(seedMIME), Data: base64.StdEncoding.EncodeToString(seed)}},
				{InlineData: &geminiInlineData{MimeType: imageMIME(refMIME), Data: base64.StdEncoding.EncodeToString(ref)}},
			},
		}},
		GenerationConfig: &geminiGenerationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}

	callStart := time.Now()
	var response geminiGenerateContentResponse
	err = c.invokeGemini(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &response)
	timing := inference.Since(callStart)
	if err != nil {
		return inference.RunResult{Timing: timing}, err
	}

	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return inference.RunResult{Timing: timing}, fmt.Errorf("gemini: decode inline data: %w", err)
			}
			c.logger.Debug().
				Str("job_id", p.JobID).
				Str("model", c.model).
				Int("bytes", len(data)).
				Msg("gemini: received edited image")
			return inference.RunResult{
				Output:         &inference.Output{Data: data, ContentType: imageMIME(part.InlineData.MimeType)},
				ProcessingTime: time.Since(started),
				Timing:         timing,
			}, nil
		}
	}

	reason := "no image returned"
	if response.PromptFeedback != nil && response.PromptFeedback.BlockReason != "" {
		reason = "blocked: " + response.PromptFeedback.BlockReason
	} else if len(response.Candidates) > 0 && response.Candidates[0].FinishReason != "" {
		reason = "no image returned (" + strings.ToLower(response.Candidates[0].FinishReason) + ")"
	}
	return inference.RunResult{Timing: timing}, fmt.Errorf("gemini: %s", reason)
}

func (c *Client) invokeGemini(ctx context.Context, path string, payload any, out any) error {
	endpoint := c.baseURL + path
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gemini: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: invoke: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var apiErr geminiErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("gemini: status %d: %s", resp.StatusCode, inference.Summarize(apiErr.Error.Message))
		}
		return fmt.Errorf("gemini: status %d: %s", resp.StatusCode, inference.Summarize(string(data)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gemini: decode response: %w", err)
	}
	return nil
}

func buildPrompt(mode domain.TransferMode) string {
	var b strings.Builder
	b.WriteString("The first image is the person to edit. The second image shows the target hairstyle.\n")
	b.WriteString("Replace the hairstyle of the person in the first image with the hairstyle from the second image, ")
	b.WriteString("matching its cut, length, texture and color.\n")
	switch mode {
	case domain.TransferFaceClothes:
		b.WriteString("Also adopt the clothing from the second image. Keep the face and background of the first image.\n")
	case domain.TransferFaceClothesBackground:
		b.WriteString("Also adopt the clothing and background from the second image. Keep the face of the first image.\n")
	default:
		b.WriteString("Keep the face, clothing and background of the first image unchanged.\n")
	}
	b.WriteString("Preserve the identity, expression and lighting. Return a single photorealistic image.")
	return b.String()
}

func imageMIME(v string) string {
	mime, _, _ := strings.Cut(strings.TrimSpace(v), ";")
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	return "image/png"
}

var _ inference.Sync = (*Client)(nil)
