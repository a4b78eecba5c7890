package middleware

import (
	"crypto/subtle"
	"net/http"
)

// Plain-text sentinels returned by the admin triggers.
const (
	RespSuccess          = "success"
	RespRequestFailed    = "request failed"
	RespCheckPermissions = "check permissions"
)

// AdminAuth requires HTTP Basic auth with the admin password. An empty
// password disables the check (first-run scenario).
func AdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="GMB Autopost Admin"`)
				WriteText(w, http.StatusForbidden, RespCheckPermissions)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteText writes a plain-text body.
func WriteText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
