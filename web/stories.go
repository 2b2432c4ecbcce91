package web

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/storyverse/client"
	"github.com/jmcleod/storyverse/form"
	"github.com/jmcleod/storyverse/route"
	"github.com/jmcleod/storyverse/story"
)

const sniffLen = 512

func (s *Server) handleStories(w http.ResponseWriter, r *http.Request) {
	p := page{Title: "Your stories"}
	if ended := s.loadStories(r, &p, true); ended {
		s.redirect(w, r, route.LoginURL(r.URL.RequestURI()))
		return
	}
	s.render(w, r, "stories", http.StatusOK, p)
}

// loadStories fills the list into p. A failure is shown inline and, with
// toast, also raised as a notification.
func (s *Server) loadStories(r *http.Request, p *page, toast bool) (sessionEnded bool) {
	stories, err := s.Stories.List(r.Context())
	if err != nil {
		ended := errors.Is(err, client.ErrSessionExpired)
		if toast {
			ended = s.fail(err)
		}
		if ended {
			return true
		}
		p.LoadError = client.Message(err)
		return false
	}
	p.Stories = stories
	return false
}

func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	f := form.CreateStory{
		Description: r.PostFormValue("description"),
		Style:       r.PostFormValue("style"),
	}
	file, hdr, err := r.FormFile("image")
	if err == nil {
		defer file.Close()
		head := make([]byte, sniffLen)
		n, _ := io.ReadFull(file, head)
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			s.logger.Error("rewinding upload failed", "error", err)
			s.Notify.Error("could not read the uploaded image")
			s.redirect(w, r, route.RootPath)
			return
		}
		f.Image = form.Image{
			Filename:    hdr.Filename,
			ContentType: form.DetectContentType(head[:n], hdr.Filename),
			Size:        hdr.Size,
		}
	}

	if err := f.Validate(); err != nil {
		s.Notify.Error(client.Message(err))
		p := page{
			Title:  "Your stories",
			Form:   map[string]string{"description": f.Description, "style": f.Style},
			Errors: form.FieldErrors(err),
		}
		// The validation toast is already up; the reload only shows inline.
		if ended := s.loadStories(r, &p, false); ended {
			s.redirect(w, r, route.LoginPath)
			return
		}
		s.render(w, r, "stories", http.StatusUnprocessableEntity, p)
		return
	}

	var sessionEnded bool
	_, err = s.Stories.Create(r.Context(), story.CreateInput{
		Image:       file,
		Filename:    f.Image.Filename,
		ContentType: f.Image.ContentType,
		Description: f.Description,
		Style:       f.Style,
	}, story.CreateCallbacks{
		OnSuccess: func(env *client.Envelope[story.Story]) {
			msg := env.Message
			if msg == "" {
				msg = "story created"
			}
			s.Notify.Success(msg)
		},
		OnError: func(err error) {
			sessionEnded = s.fail(err)
		},
	})
	if err != nil && sessionEnded {
		s.redirect(w, r, route.LoginPath)
		return
	}
	s.redirect(w, r, route.RootPath)
}

// storyFromPath loads the story named by the {id} parameter. On failure the
// response has been written.
func (s *Server) storyFromPath(w http.ResponseWriter, r *http.Request) (story.Story, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.Notify.Error("story not found")
		s.redirect(w, r, route.RootPath)
		return story.Story{}, false
	}
	st, err := s.Stories.Get(r.Context(), id)
	if err != nil {
		if s.fail(err) {
			s.redirect(w, r, route.LoginURL(r.URL.RequestURI()))
		} else {
			s.redirect(w, r, route.RootPath)
		}
		return story.Story{}, false
	}
	return st, true
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storyFromPath(w, r)
	if !ok {
		return
	}
	s.render(w, r, "story", http.StatusOK, page{Title: st.DisplayTitle(), Story: &st})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	st, ok := s.storyFromPath(w, r)
	if !ok {
		return
	}
	d, err := s.Stories.Service().Document(r.Context(), st)
	if err != nil {
		if errors.Is(err, story.ErrNoDocument) {
			s.Notify.Error("this story has no document yet")
		} else {
			s.fail(err)
		}
		s.redirect(w, r, route.StoriesPath+"/"+strconv.FormatInt(st.ID, 10))
		return
	}
	defer d.Body.Close()

	ct := d.ContentType
	if ct == "" {
		ct = "application/pdf"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": st.DocumentName()}))
	if d.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(d.ContentLength, 10))
	}
	if _, err := io.Copy(w, d.Body); err != nil {
		s.logger.Warn("streaming document failed", "story", st.ID, "error", err)
	}
}
