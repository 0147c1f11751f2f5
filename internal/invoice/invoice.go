package invoice

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zombor/invoice-batch/internal/extraction"
)

// Document is an uploaded file waiting to be extracted. Name is the
// deduplication and display key.
type Document struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Size returns the payload size in bytes
func (d Document) Size() int {
	return len(d.Data)
}

// ContentTypeFor resolves the media type of a file from its extension, and
// from its content when the extension is not recognised
func ContentTypeFor(filename string, data []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return strings.SplitN(http.DetectContentType(data), ";", 2)[0]
}

// LoadDocument reads a file from disk into a Document named after its base name
func LoadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}
	name := filepath.Base(path)
	return Document{
		Name:        name,
		ContentType: ContentTypeFor(name, data),
		Data:        data,
	}, nil
}

// Failure records a document whose extraction failed
type Failure struct {
	Document string `json:"document"`
	Error    string `json:"error"`
}

// RunResult is the outcome of one queue drain
type RunResult struct {
	Records   []extraction.Invoice `json:"records"`
	Failures  []Failure            `json:"failures"`
	Completed bool                 `json:"completed"` // false when the run was cancelled
	Attempted int                  `json:"attempted"`
}

// Run is an archived batch run
type Run struct {
	ID         string            `json:"id"`
	Documents  []string          `json:"documents"`
	Result     RunResult         `json:"result"`
	Summary    Summary           `json:"summary"`
	Exports    map[string]string `json:"exports,omitempty"` // export kind -> stored filename
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Progress describes the run currently in flight
type Progress struct {
	Running  bool   `json:"running"`
	RunID    string `json:"run_id,omitempty"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Document string `json:"document,omitempty"`
}
