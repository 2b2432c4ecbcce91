// Package storytest provides an in-memory story backend for tests.
package storytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/storyverse/story"
)

const maxUpload = 10 << 20

// Backend mimics the story backend. Every route except documents requires
// "Bearer <Token>".
type Backend struct {
	mu      sync.Mutex
	token   string
	stories []story.Story
	docs    map[int64][]byte
	nextID  int64
	hits    map[string]int
	now     func() time.Time

	listStatus int
}

// NewBackend returns an empty backend accepting token.
func NewBackend(token string) *Backend {
	return &Backend{
		token:  token,
		docs:   make(map[int64][]byte),
		nextID: 1,
		hits:   make(map[string]int),
		now:    time.Now,
	}
}

// Serve starts the backend on a local listener closed at test cleanup and
// returns its base URL.
func (b *Backend) Serve(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(b.Router())
	t.Cleanup(srv.Close)
	return srv.URL
}

// Router registers the backend routes.
func (b *Backend) Router() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(b.requireToken)
		r.Get("/api/generate-story", b.handleList)
		r.Post("/api/generate-story", b.handleCreate)
		r.Get("/api/generate-story/{id}", b.handleGet)
	})
	r.Get("/documents/{id}", b.handleDocument)
	return r
}

// SetToken changes the accepted token; requests carrying the old one get 401.
func (b *Backend) SetToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

// FailList makes the list route answer with status until it is called with 0.
func (b *Backend) FailList(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listStatus = status
}

// Add stores st with the next id and returns it.
func (b *Backend) Add(st story.Story) story.Story {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(st, nil)
}

// Hits reports how many requests reached "METHOD /pattern".
func (b *Backend) Hits(route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[route]
}

func (b *Backend) addLocked(st story.Story, doc []byte) story.Story {
	st.ID = b.nextID
	b.nextID++
	if st.CreatedAt.IsZero() {
		st.CreatedAt = b.now().UTC().Truncate(time.Second)
	}
	b.stories = append(b.stories, st)
	if doc != nil {
		b.docs[st.ID] = doc
	}
	return st
}

func (b *Backend) count(r *http.Request) {
	pattern := chi.RouteContext(r.Context()).RoutePattern()
	b.mu.Lock()
	b.hits[r.Method+" "+pattern]++
	b.mu.Unlock()
}

func (b *Backend) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		want := "Bearer " + b.token
		b.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			writeJSON(w, http.StatusUnauthorized, envelope{Status: http.StatusUnauthorized, Message: "invalid or expired token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   any    `json:"error,omitempty"`
}

type errorDetail struct {
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	b.count(r)
	b.mu.Lock()
	status := b.listStatus
	out := append([]story.Story{}, b.stories...)
	b.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, envelope{Status: status, Error: errorDetail{Message: "stories are unavailable"}})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: http.StatusOK, Message: "ok", Data: out})
}

func (b *Backend) handleGet(w http.ResponseWriter, r *http.Request) {
	b.count(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Status: http.StatusBadRequest, Error: "invalid story id"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.stories {
		if st.ID == id {
			writeJSON(w, http.StatusOK, envelope{Status: http.StatusOK, Message: "ok", Data: st})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, envelope{
		Status: http.StatusNotFound,
		Error:  errorDetail{Message: "story not found"},
	})
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	b.count(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Status: http.StatusBadRequest, Message: "invalid multipart body"})
		return
	}

	var problems []string
	description := strings.TrimSpace(r.FormValue("description"))
	style := strings.TrimSpace(r.FormValue("style"))
	if description == "" {
		problems = append(problems, "description is required")
	}
	if style == "" {
		problems = append(problems, "style is required")
	}
	file, hdr, err := r.FormFile("image")
	if err != nil {
		problems = append(problems, "image is required")
	} else {
		defer file.Close()
		if !strings.HasPrefix(hdr.Header.Get("Content-Type"), "image/") {
			problems = append(problems, "image must be an image")
		}
		io.Copy(io.Discard, file)
	}
	if len(problems) > 0 {
		writeJSON(w, http.StatusBadRequest, envelope{
			Status:  http.StatusBadRequest,
			Message: "invalid request",
			Error:   errorDetail{Message: problems[0], Details: problems},
		})
		return
	}

	base := "http://" + r.Host
	b.mu.Lock()
	id := b.nextID
	st := b.addLocked(story.Story{
		OriginalImage: fmt.Sprintf("%s/images/original-%d.png", base, id),
		CreatedImage:  fmt.Sprintf("%s/images/created-%d.png", base, id),
		Story:         "Once upon a time, " + description,
		Title:         "The " + style + " tale",
		Style:         style,
		PhoneNumber:   "+59170000000",
		PDFURL:        fmt.Sprintf("%s/documents/%d", base, id),
	}, []byte("%PDF-1.7 "+description))
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, envelope{Status: http.StatusCreated, Message: "Story generated successfully", Data: st})
}

func (b *Backend) handleDocument(w http.ResponseWriter, r *http.Request) {
	b.count(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	b.mu.Lock()
	doc, ok := b.docs[id]
	b.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Write(doc)
}
