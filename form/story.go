package form

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/jmcleod/storyverse/internal/util"
)

const (
	// MaxImageBytes is the largest accepted upload.
	MaxImageBytes = 10 << 20
	// MaxDescriptionLength bounds the story prompt, in characters.
	MaxDescriptionLength = 2000
	// MaxStyleLength bounds the visual style, in characters.
	MaxStyleLength = 100
)

// Image describes an uploaded file without holding its content.
type Image struct {
	Filename    string
	ContentType string
	Size        int64
}

// CreateStory is the story generation form.
type CreateStory struct {
	Image       Image
	Description string
	Style       string
}

// Validate normalizes the text fields in place (trimmed, NFC) and checks
// the image.
func (f *CreateStory) Validate() error {
	var errs Errors

	switch {
	case f.Image.Size <= 0:
		errs.add("image", "image is required")
	case f.Image.Size > MaxImageBytes:
		errs.add("image", "image must be 10MB or smaller")
	case !strings.HasPrefix(f.Image.ContentType, "image/"):
		errs.add("image", "file must be an image (PNG, JPG or GIF)")
	}

	f.Description = util.NormalizeText(f.Description)
	switch n := utf8.RuneCountInString(f.Description); {
	case n == 0:
		errs.add("description", "description is required")
	case n > MaxDescriptionLength:
		errs.add("description", "description must be at most 2000 characters")
	}

	f.Style = util.NormalizeText(f.Style)
	switch n := utf8.RuneCountInString(f.Style); {
	case n == 0:
		errs.add("style", "style is required")
	case n > MaxStyleLength:
		errs.add("style", "style must be at most 100 characters")
	}
	return errs.err()
}

// DetectContentType sniffs head (the first bytes of a file) and falls back
// to the file extension when sniffing is inconclusive.
func DetectContentType(head []byte, filename string) string {
	ct := http.DetectContentType(head)
	if ct != "application/octet-stream" {
		return stripParams(ct)
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		return stripParams(byExt)
	}
	return ct
}

func stripParams(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		return strings.TrimSpace(ct[:i])
	}
	return ct
}
