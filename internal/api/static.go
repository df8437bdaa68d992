package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// registerStatic serves the bundled web UI when a static directory is
// configured. Unknown non-API paths fall back to index.html so the SPA's
// client-side router owns them.
func (s *Server) registerStatic(mux *http.ServeMux) {
	dir := s.cfg.StaticDir
	if dir == "" {
		return
	}
	fs := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeJSON(w, http.StatusNotFound, envelope{Error: "not found"})
			return
		}
		clean := filepath.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if clean != "." {
			if info, err := os.Stat(filepath.Join(dir, clean)); err == nil && !info.IsDir() {
				fs.ServeHTTP(w, r)
				return
			}
		}
		http.ServeFile(w, r, index)
	})
}
