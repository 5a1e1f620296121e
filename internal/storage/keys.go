package storage

import (
	"fmt"
	"strings"

	"hairswap/internal/domain"
)

// InputKey is the object key of one uploaded job input.
func InputKey(jobID string, name domain.InputName, contentType string) string {
	return fmt.Sprintf("jobs/%s/%s%s", jobID, name, ExtensionForMIME(contentType))
}

// ResultKey is the object key of a job's re-hosted result.
func ResultKey(jobID, contentType string) string {
	return fmt.Sprintf("results/%s_result%s", jobID, ExtensionForMIME(contentType))
}

// ExtensionForMIME maps image content types to file extensions, defaulting to .png.
func ExtensionForMIME(contentType string) string {
	mime, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	switch strings.TrimSpace(mime) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
