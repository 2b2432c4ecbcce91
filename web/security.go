package web

import "net/http"

// SecurityHeaders sets standard security response headers. Story images are
// served by the backend's storage, so img-src admits remote origins.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "same-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; script-src 'none'; style-src 'self'; img-src 'self' data: https: http:; form-action 'self'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
