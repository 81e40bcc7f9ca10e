package upload

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
)

// MaxArtifactSize is the hard ceiling for any uploaded artifact, enforced
// locally before a network call is ever made. The server enforces the same
// limit; the local check is a fast-fail, not a substitute.
const MaxArtifactSize = 20 << 20 // 20 MiB

// Artifact is a local binary blob (selected file or recorded clip) that is
// not yet durable.
type Artifact struct {
	Filename string
	MimeType string
	Data     []byte

	// DurationSeconds is set for recorded audio clips only.
	DurationSeconds float64
}

// SizeBytes returns the artifact size.
func (a Artifact) SizeBytes() int64 {
	return int64(len(a.Data))
}

// FromFile loads a selected file into an Artifact, deriving the MIME type
// from its extension.
func FromFile(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to read attachment file: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return Artifact{
		Filename: filepath.Base(path),
		MimeType: mimeType,
		Data:     data,
	}, nil
}
