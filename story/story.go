// Package story is the resource layer for generated stories: endpoint
// construction, typed calls through the client, and cached queries.
package story

import (
	"errors"
	"io"
	"strconv"
	"time"
)

// ErrNoDocument is returned when a story has no generated document yet.
var ErrNoDocument = errors.New("story has no document")

// Story is a generated story. Stories are immutable once created.
type Story struct {
	ID            int64     `json:"id"`
	OriginalImage string    `json:"originalImage"`
	CreatedImage  string    `json:"createdImage"`
	Story         string    `json:"story"`
	Title         string    `json:"title,omitempty"`
	Style         string    `json:"style"`
	PhoneNumber   string    `json:"phoneNumber"`
	CreatedAt     time.Time `json:"createdAt"`
	PDFURL        string    `json:"pdfUrl,omitempty"`
}

// DisplayTitle is the title, or a placeholder built from the id.
func (s Story) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return "Story #" + strconv.FormatInt(s.ID, 10)
}

// DocumentName is the file name offered when the document is saved.
func (s Story) DocumentName() string {
	return "story-" + s.CreatedAt.UTC().Format("20060102-150405") + ".pdf"
}

// CreateInput is the payload of a story generation request. Image is read
// once while the request is sent.
type CreateInput struct {
	Image       io.Reader
	Filename    string
	ContentType string
	Description string
	Style       string
}
