package orchestrator

import (
	"fmt"
	"mime"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"hairswap/internal/domain"
)

// DefaultMaxUploadBytes is the per-input size ceiling.
const DefaultMaxUploadBytes = 10 << 20

// Upload is one named input of a transfer request.
type Upload struct {
	Name        domain.InputName
	Filename    string
	ContentType string
	Data        []byte
}

// SubmitRequest carries everything needed to start a job.
type SubmitRequest struct {
	Uploads []Upload
	Mode    string
	Locale  string
	Country string
}

// ValidationError lists every input that was rejected, keyed by form field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + ": " + e.Fields[name]
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return domain.ErrInvalidInput }

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

// validated is a request that passed validation, with sniffed content types.
type validated struct {
	uploads map[domain.InputName]Upload
	mode    domain.TransferMode
}

// validate checks that all four inputs are present, non-empty, within
// maxBytes, declared as images and actually sniff as images.
func validate(req SubmitRequest, maxBytes int64) (validated, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	verr := &ValidationError{}
	out := validated{uploads: make(map[domain.InputName]Upload, len(domain.InputNames))}

	known := make(map[domain.InputName]bool, len(domain.InputNames))
	for _, name := range domain.InputNames {
		known[name] = true
	}
	for _, up := range req.Uploads {
		if !known[up.Name] {
			verr.add(string(up.Name), "unexpected input")
			continue
		}
		if _, dup := out.uploads[up.Name]; dup {
			verr.add(string(up.Name), "provided more than once")
			continue
		}
		checked, msg := checkUpload(up, maxBytes)
		if msg != "" {
			verr.add(string(up.Name), msg)
		}
		out.uploads[up.Name] = checked
	}
	for _, name := range domain.InputNames {
		if _, ok := out.uploads[name]; !ok {
			verr.add(string(name), "required")
		}
	}

	mode, ok := domain.ParseTransferMode(strings.TrimSpace(req.Mode))
	if !ok {
		verr.add("mode", fmt.Sprintf("must be one of %s, %s, %s",
			domain.TransferFaceOnly, domain.TransferFaceClothes, domain.TransferFaceClothesBackground))
	}
	out.mode = mode

	if len(verr.Fields) > 0 {
		return validated{}, verr
	}
	return out, nil
}

func checkUpload(up Upload, maxBytes int64) (Upload, string) {
	if len(up.Data) == 0 {
		return up, "file is empty"
	}
	if int64(len(up.Data)) > maxBytes {
		return up, fmt.Sprintf("file exceeds %d bytes", maxBytes)
	}
	declared, _, err := mime.ParseMediaType(up.ContentType)
	if err != nil || !strings.HasPrefix(declared, "image/") {
		return up, fmt.Sprintf("content type %q is not an image", up.ContentType)
	}
	detected := mimetype.Detect(up.Data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return up, fmt.Sprintf("content is %s, not an image", detected.String())
	}
	up.ContentType = detected.String()
	return up, ""
}
