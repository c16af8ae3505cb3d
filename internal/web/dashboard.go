package web

import (
	"crypto/subtle"
	_ "embed"
	"net/http"
	"strings"
)

//go:embed dashboard.html
var dashboardHTML string

// Dashboard serves the moderation page that follows the websocket violation feed
type Dashboard struct {
	username string
	password string
	page     string
}

// NewDashboard creates the dashboard for the given websocket path. The page is
// behind the same basic-auth credentials as the websocket so the browser reuses them.
func NewDashboard(wsPath, username, password string) *Dashboard {
	return &Dashboard{
		username: username,
		password: password,
		page:     strings.ReplaceAll(dashboardHTML, "{{WS_PATH}}", wsPath),
	}
}

// ServeHTTP serves the dashboard HTML
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(d.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(d.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="chatguard"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write([]byte(d.page))
}
