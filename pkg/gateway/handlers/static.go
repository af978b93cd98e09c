package handlers

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// StaticHandler serves the built web client from Dir. Paths that do not name a
// file fall back to index.html so client-side routes work. Unmatched /api/
// paths, or any path when Dir is missing, get the JSON 404.
type StaticHandler struct {
	Dir string
}

func (h StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/api" || !h.available() {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	full := filepath.Join(h.Dir, filepath.FromSlash(clean))
	if info, err := os.Stat(full); err == nil && !info.IsDir() {
		http.ServeFile(w, r, full)
		return
	}
	http.ServeFile(w, r, filepath.Join(h.Dir, "index.html"))
}

func (h StaticHandler) available() bool {
	if strings.TrimSpace(h.Dir) == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(h.Dir, "index.html"))
	return err == nil && !info.IsDir()
}
