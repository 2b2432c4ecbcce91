package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jmcleod/storyverse/form"
	"github.com/jmcleod/storyverse/route"
)

const (
	csrfCookieName = "storyverse_csrf"
	csrfFieldName  = "csrf_token"

	// maxBodyBytes leaves room for the multipart framing and text fields
	// around a maximum-size image.
	maxBodyBytes    = form.MaxImageBytes + 1<<20
	maxMemoryBytes  = 1 << 20
	tooLargeMessage = "image must be 10MB or smaller"
)

type contextKey int

const csrfKey contextKey = iota

// csrf enforces a double-submit token on state-changing requests: the
// cookie set when a page is served must match the hidden form field. It also
// parses the form so handlers read values directly.
func (s *Server) csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			if c, err := r.Cookie(csrfCookieName); err != nil || c.Value == "" {
				token := uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     csrfCookieName,
					Value:    token,
					Path:     "/",
					HttpOnly: true,
					Secure:   s.secure,
					SameSite: http.SameSiteStrictMode,
				})
				r = r.WithContext(context.WithValue(r.Context(), csrfKey, token))
			}
			next.ServeHTTP(w, r)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var err error
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			err = r.ParseMultipartForm(maxMemoryBytes)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.Notify.Error(tooLargeMessage)
				http.Redirect(w, r, route.RootPath, http.StatusSeeOther)
				return
			}
			http.Error(w, "malformed form", http.StatusBadRequest)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			http.Error(w, "missing CSRF token", http.StatusForbidden)
			return
		}
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(r.PostFormValue(csrfFieldName))) != 1 {
			http.Error(w, "invalid CSRF token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfToken is the token to embed in forms rendered for r.
func csrfToken(r *http.Request) string {
	if token, ok := r.Context().Value(csrfKey).(string); ok {
		return token
	}
	if c, err := r.Cookie(csrfCookieName); err == nil {
		return c.Value
	}
	return ""
}
