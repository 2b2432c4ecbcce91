package web

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/jmcleod/storyverse/client"
	"github.com/jmcleod/storyverse/form"
	"github.com/jmcleod/storyverse/identity"
	"github.com/jmcleod/storyverse/notify"
	"github.com/jmcleod/storyverse/route"
)

const identityMissing = "sign-in is not configured on this server"

// identityFailureStatus is the response status for a failed identity call:
// rejected when the provider refused, 502 when it could not be reached or
// answered with something unusable.
func identityFailureStatus(err error, rejected int) int {
	var te *client.TransportError
	if errors.As(err, &te) || errors.Is(err, identity.ErrMalformedResponse) {
		return http.StatusBadGateway
	}
	return rejected
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "login", http.StatusOK, page{
		Title: "Sign in",
		From:  r.URL.Query().Get(route.FromParam),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	f := form.Login{Phone: r.PostFormValue("phone"), Password: r.PostFormValue("password")}
	from := r.PostFormValue("from")
	p := page{Title: "Sign in", From: from, Form: map[string]string{"phone": f.Phone}}

	if err := f.Validate(s.countryCode); err != nil {
		s.Notify.Error(client.Message(err))
		p.Errors = form.FieldErrors(err)
		s.render(w, r, "login", http.StatusUnprocessableEntity, p)
		return
	}
	if s.Identity == nil {
		s.Notify.Error(identityMissing)
		s.render(w, r, "login", http.StatusServiceUnavailable, p)
		return
	}
	if blocked, wait := s.throttle.check(f.Phone); blocked {
		w.Header().Set("Retry-After", retryAfterSeconds(wait))
		s.Notify.Error(retryAfterMessage(wait))
		s.render(w, r, "login", http.StatusTooManyRequests, p)
		return
	}

	issued, err := s.Identity.SignInWithPassword(r.Context(), f.Phone, f.Password)
	if err != nil {
		var rejected *identity.Error
		if errors.As(err, &rejected) {
			s.throttle.recordFailure(f.Phone)
		}
		s.fail(err)
		s.render(w, r, "login", identityFailureStatus(err, http.StatusUnauthorized), p)
		return
	}
	s.throttle.recordSuccess(f.Phone)

	if err := s.Session.SetAuth(issued.User, issued.AccessToken); err != nil {
		s.logger.Error("storing session failed", "error", err)
		s.Notify.Error("could not save your session, please try again")
		s.render(w, r, "login", http.StatusInternalServerError, p)
		return
	}
	s.Notify.Success("signed in successfully")
	s.redirect(w, r, route.ReturnTo(from))
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "register", http.StatusOK, page{Title: "Create an account"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	f := form.Register{
		Phone:           r.PostFormValue("phone"),
		Password:        r.PostFormValue("password"),
		ConfirmPassword: r.PostFormValue("confirm_password"),
	}
	p := page{Title: "Create an account", Form: map[string]string{"phone": f.Phone}}

	if err := f.Validate(s.countryCode, s.minScore); err != nil {
		s.Notify.Error(client.Message(err))
		p.Errors = form.FieldErrors(err)
		s.render(w, r, "register", http.StatusUnprocessableEntity, p)
		return
	}
	if s.Identity == nil {
		s.Notify.Error(identityMissing)
		s.render(w, r, "register", http.StatusServiceUnavailable, p)
		return
	}

	res, err := s.Identity.SignUp(r.Context(), f.Phone, f.Password)
	if err != nil {
		s.fail(err)
		s.render(w, r, "register", identityFailureStatus(err, http.StatusBadRequest), p)
		return
	}
	if res.NeedsVerification() {
		s.Notify.Success("account created, enter the code we sent to your phone")
		s.redirect(w, r, route.VerifyPath+"?"+url.Values{"phone": {f.Phone}}.Encode())
		return
	}
	s.Notify.Success("account created successfully, please sign in")
	s.redirect(w, r, route.LoginPath)
}

func (s *Server) handleVerifyPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "verify", http.StatusOK, page{
		Title: "Verify your phone",
		Form:  map[string]string{"phone": r.URL.Query().Get("phone")},
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	f := form.Verify{Phone: r.PostFormValue("phone"), Code: r.PostFormValue("code")}
	p := page{Title: "Verify your phone", Form: map[string]string{"phone": f.Phone}}

	if err := f.Validate(s.countryCode); err != nil {
		s.Notify.Error(client.Message(err))
		p.Errors = form.FieldErrors(err)
		s.render(w, r, "verify", http.StatusUnprocessableEntity, p)
		return
	}
	if s.Identity == nil {
		s.Notify.Error(identityMissing)
		s.render(w, r, "verify", http.StatusServiceUnavailable, p)
		return
	}
	if _, err := s.Identity.VerifyOTP(r.Context(), f.Phone, f.Code); err != nil {
		s.fail(err)
		s.render(w, r, "verify", identityFailureStatus(err, http.StatusBadRequest), p)
		return
	}
	s.Notify.Success("phone verified, you can sign in now")
	s.redirect(w, r, route.LoginPath)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	wasAuthenticated := s.Session.IsAuthenticated()
	s.Session.Logout()
	if wasAuthenticated {
		s.Notify.Add(notify.Info, "signed out")
	}
	s.redirect(w, r, route.LoginPath)
}
