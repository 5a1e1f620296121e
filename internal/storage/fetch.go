package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultFetchLimit bounds downloaded objects.
const DefaultFetchLimit = 50 << 20

// Fetcher resolves asset references to bytes. It understands http(s) URLs,
// local:// references into the fallback store and base64 data: URLs.
type Fetcher struct {
	client   *http.Client
	local    *FileStore
	maxBytes int64
}

// NewFetcher builds a Fetcher. A nil client gets a 60s timeout; maxBytes <= 0
// uses DefaultFetchLimit.
func NewFetcher(client *http.Client, local *FileStore, maxBytes int64) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultFetchLimit
	}
	return &Fetcher{client: client, local: local, maxBytes: maxBytes}
}

// Fetch downloads ref and returns its bytes and content type.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return nil, "", errors.New("fetch: empty reference")
	case IsLocal(ref):
		if f.local == nil {
			return nil, "", fmt.Errorf("fetch: no local store for %s", ref)
		}
		data, err := f.local.Read(ctx, strings.TrimPrefix(ref, LocalScheme))
		if err != nil {
			return nil, "", fmt.Errorf("fetch: %w", err)
		}
		return data, mimetype.Detect(data).String(), nil
	case strings.HasPrefix(ref, "data:"):
		return decodeDataURL(ref)
	}

	parsed, err := url.Parse(ref)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, "", fmt.Errorf("fetch: unsupported url %q", ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetch: read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("fetch: object exceeds %d bytes", f.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", errors.New("fetch: empty object")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	return data, contentType, nil
}

func decodeDataURL(ref string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", errors.New("fetch: unsupported data url")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: decode data url: %w", err)
	}
	return data, strings.TrimSuffix(meta, ";base64"), nil
}
