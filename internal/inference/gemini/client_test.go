package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"hairswap/internal/domain"
	"hairswap/internal/inference"
)

type stubFetcher struct {
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, ref string) ([]byte, string, error) {
	s.calls++
	return []byte("bytes-of-" + ref), "image/jpeg", nil
}

type captureTransport struct {
	status   int
	response any
	lastBody []byte
	lastKey  string
	lastPath string
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	c.lastBody = body
	c.lastKey = req.Header.Get("x-goog-api-key")
	c.lastPath = req.URL.Path
	raw, _ := json.Marshal(c.response)
	return &http.Response{
		StatusCode: c.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}, nil
}

func newTestClient(t *testing.T, transport *captureTransport, fetcher *stubFetcher) *Client {
	t.Helper()
	client, err := NewClient(Options{
		APIKey:     "g-key",
		Model:      "test-model",
		HTTPClient: &http.Client{Transport: transport},
		Fetcher:    fetcher,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func testPayload() inference.Payload {
	return inference.Payload{
		JobID: "job-1",
		Inputs: map[domain.InputName]string{
			domain.InputSeedImage:      "seed",
			domain.InputReferenceImage: "ref",
		},
		Mode: domain.TransferFaceClothes,
	}
}

func TestRunReturnsInlineImage(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})
	transport := &captureTransport{status: http.StatusOK, response: map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"parts": []any{
				map[string]any{"text": "here you go"},
				map[string]any{"inlineData": map[string]any{"mimeType": "image/png", "data": encoded}},
			}},
		}},
	}}
	fetcher := &stubFetcher{}
	client := newTestClient(t, transport, fetcher)

	res, err := client.Run(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output == nil || !bytes.Equal(res.Output.Data, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatalf("unexpected output: %#v", res.Output)
	}
	if res.Output.ContentType != "image/png" {
		t.Fatalf("content type = %q", res.Output.ContentType)
	}
	if fetcher.calls != 2 {
		t.Fatalf("fetcher calls = %d, want 2", fetcher.calls)
	}
	if transport.lastKey != "g-key" {
		t.Fatalf("api key header = %q", transport.lastKey)
	}
	if transport.lastPath != "/v1beta/models/test-model:generateContent" {
		t.Fatalf("path = %q", transport.lastPath)
	}

	var payload geminiGenerateContentRequest
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	parts := payload.Contents[0].Parts
	if len(parts) != 3 {
		t.Fatalf("parts len = %d, want 3", len(parts))
	}
	if !strings.Contains(parts[0].Text, "clothing from the second image") {
		t.Fatalf("prompt does not reflect mode: %q", parts[0].Text)
	}
	if parts[1].InlineData.MimeType != "image/jpeg" {
		t.Fatalf("seed mime = %q", parts[1].InlineData.MimeType)
	}
}

func TestRunWithoutImageFails(t *testing.T) {
	transport := &captureTransport{status: http.StatusOK, response: map[string]any{
		"candidates":     []any{},
		"promptFeedback": map[string]any{"blockReason": "SAFETY"},
	}}
	client := newTestClient(t, transport, &stubFetcher{})

	_, err := client.Run(context.Background(), testPayload())
	if err == nil || !strings.Contains(err.Error(), "blocked: SAFETY") {
		t.Fatalf("err = %v, want blocked error", err)
	}
}

func TestRunSurfacesAPIError(t *testing.T) {
	transport := &captureTransport{status: http.StatusTooManyRequests, response: map[string]any{
		"error": map[string]any{"code": 429, "message": "quota exceeded"},
	}}
	client := newTestClient(t, transport, &stubFetcher{})

	_, err := client.Run(context.Background(), testPayload())
	if err == nil || !strings.Contains(err.Error(), "status 429: quota exceeded") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Options{Fetcher: &stubFetcher{}}); err != ErrMissingAPIKey {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}
