package story

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const collectionPath = "/api/generate-story"

// Endpoints builds backend URLs from the configured API base.
type Endpoints struct {
	base string
}

// NewEndpoints validates base, an absolute http(s) URL, and returns the
// endpoint set rooted at it.
func NewEndpoints(base string) (Endpoints, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return Endpoints{}, fmt.Errorf("parsing api url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Endpoints{}, fmt.Errorf("api url %q must be an absolute http(s) url", base)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return Endpoints{base: strings.TrimRight(u.String(), "/")}, nil
}

// Base is the normalized API base URL.
func (e Endpoints) Base() string { return e.base }

// Collection lists and creates stories.
func (e Endpoints) Collection() string { return e.base + collectionPath }

// Item addresses a single story.
func (e Endpoints) Item(id int64) string {
	return e.Collection() + "/" + strconv.FormatInt(id, 10)
}
