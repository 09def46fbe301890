package api

import (
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/felipepmaragno/deepseek-relay/internal/metrics"
)

var mimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
}

func contentType(name string) string {
	if ct, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// staticHandler serves the front-end bundle from root. Requests that would
// resolve outside root are answered like missing files.
type staticHandler struct {
	root string
}

func newStaticHandler(root string) *staticHandler {
	if root == "" {
		root = "public"
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &staticHandler{root: root}
}

func (s *staticHandler) resolve(urlPath string) (string, bool) {
	if urlPath == "" || urlPath == "/" {
		urlPath = "/index.html"
	}
	if strings.ContainsRune(urlPath, 0) {
		return "", false
	}

	cleaned := path.Clean("/" + urlPath)
	full := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))

	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func (s *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	full, ok := s.resolve(r.URL.Path)
	if !ok {
		s.notFound(w, r.URL.Path)
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		s.notFound(w, r.URL.Path)
		return
	}

	content, err := os.ReadFile(full)
	if err != nil {
		slog.Error("failed to read static file", "path", full, "error", err)
		metrics.RecordStatic("error")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "server error")
		return
	}

	metrics.RecordStatic("ok")
	w.Header().Set("Content-Type", contentType(full))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(content)
	}
}

const notFoundPage = `<!DOCTYPE html>
<html>
<head><title>404 Not Found</title></head>
<body>
    <h1>404 - Page not found</h1>
    <p>The requested file does not exist: %s</p>
    <p><a href="/">Back to home</a></p>
</body>
</html>
`

func (s *staticHandler) notFound(w http.ResponseWriter, requested string) {
	metrics.RecordStatic("not_found")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, notFoundPage, html.EscapeString(requested))
}
