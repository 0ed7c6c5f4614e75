package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// draftPrefix marks temporary owner IDs.
const draftPrefix = "draft-"

// File is a binary payload offered for storage or display.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// ReadFile loads the file at path.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return File{Name: filepath.Base(path), Data: data}, nil
}

// DetectMimeType returns f.MimeType, or sniffs it from the payload.
func (f File) DetectMimeType() string {
	if f.MimeType != "" {
		return f.MimeType
	}
	return mimetype.Detect(f.Data).String()
}

// IsImage reports whether the payload is an image.
func (f File) IsImage() bool {
	return strings.HasPrefix(f.DetectMimeType(), "image/")
}

// NewDraftID returns a temporary owner ID for attachments added before
// their entity has been saved.
func NewDraftID() string {
	return draftPrefix + uuid.NewString()
}
