// Package route decides which page tree a request may see based on whether
// a session is authenticated.
//
// Public pages (sign-in, sign-up, code verification) are only reachable
// without a session; protected pages only with one. Unauthenticated requests
// for a protected page are sent to the sign-in page with the attempted
// location preserved in the "from" query parameter.
package route

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	LoginPath    = "/login"
	RegisterPath = "/register"
	VerifyPath   = "/verify"
	RootPath     = "/"
	StoriesPath  = "/stories"

	// FromParam carries the location to return to after sign-in.
	FromParam = "from"
)

// State is the guard's view of the session.
type State int

const (
	Public State = iota
	Protected
)

func (s State) String() string {
	if s == Protected {
		return "protected"
	}
	return "public"
}

// Tree is the route tree a path belongs to.
type Tree int

const (
	Unmatched Tree = iota
	PublicTree
	ProtectedTree
)

// Classify returns the tree that serves path.
func Classify(path string) Tree {
	switch path {
	case LoginPath, RegisterPath, VerifyPath:
		return PublicTree
	case RootPath, StoriesPath:
		return ProtectedTree
	}
	if strings.HasPrefix(path, StoriesPath+"/") {
		return ProtectedTree
	}
	return Unmatched
}

// Authenticator reports whether a session is established.
type Authenticator interface {
	IsAuthenticated() bool
}

// Decision is the outcome of a navigation. Redirect is empty when the
// request may proceed.
type Decision struct {
	Tree     Tree
	Redirect string
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Redirect == "" }

// Guard applies the routing rules against a session.
type Guard struct {
	auth Authenticator
}

// NewGuard returns a guard reading auth on every decision.
func NewGuard(auth Authenticator) *Guard {
	return &Guard{auth: auth}
}

// State is evaluated from the session each time it is called.
func (g *Guard) State() State {
	if g.auth.IsAuthenticated() {
		return Protected
	}
	return Public
}

// Resolve decides a navigation to target, a local path with optional query.
func (g *Guard) Resolve(target string) Decision {
	u, err := url.Parse(target)
	if err != nil {
		return Decision{Tree: Unmatched, Redirect: RootPath}
	}
	tree := Classify(u.Path)
	switch {
	case tree == Unmatched:
		return Decision{Tree: tree, Redirect: RootPath}
	case tree == PublicTree && g.State() == Protected:
		return Decision{Tree: tree, Redirect: RootPath}
	case tree == ProtectedTree && g.State() == Public:
		return Decision{Tree: tree, Redirect: LoginURL(u.RequestURI())}
	}
	return Decision{Tree: tree}
}

// LoginURL is the sign-in page remembering from. A from of "/" is dropped.
func LoginURL(from string) string {
	if from == "" || from == RootPath {
		return LoginPath
	}
	return LoginPath + "?" + url.Values{FromParam: {from}}.Encode()
}

// ReturnTo sanitizes a preserved location. Anything but a local path into
// the protected tree yields "/".
func ReturnTo(from string) string {
	if !strings.HasPrefix(from, "/") || strings.HasPrefix(from, "//") || strings.HasPrefix(from, "/\\") {
		return RootPath
	}
	u, err := url.Parse(from)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return RootPath
	}
	if Classify(u.Path) != ProtectedTree {
		return RootPath
	}
	return u.RequestURI()
}

// Middleware enforces Resolve on every request it wraps. Only GET and HEAD
// requests keep their location in the sign-in redirect.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Resolve(r.URL.RequestURI())
		if d.Allowed() {
			next.ServeHTTP(w, r)
			return
		}
		target := d.Redirect
		if d.Tree == ProtectedTree && r.Method != http.MethodGet && r.Method != http.MethodHead {
			target = LoginPath
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	})
}
