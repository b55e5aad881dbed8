package server

import (
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
)

// FrontendMissingDetail is returned for SPA routes when the frontend has not
// been built.
const FrontendMissingDetail = "Frontend build not found. Run `npm run build` in the frontend directory."

// apiPrefixes are never answered with the SPA index.
var apiPrefixes = []string{
	"/auth", "/upload", "/generate", "/recommend", "/assistant",
	"/ai-assistant", "/history", "/health", "/metrics", "/static", "/assets",
}

func isAPIPath(p string) bool {
	for _, prefix := range apiPrefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// fileHandler serves regular files from a directory. Directory listings are
// never produced and paths are cleaned before lookup.
type fileHandler struct {
	fsys     fs.FS
	prefix   string
	maxAge   string
	notFound http.HandlerFunc
}

func newFileHandler(dir, prefix string, notFound http.HandlerFunc) *fileHandler {
	if notFound == nil {
		notFound = func(w http.ResponseWriter, r *http.Request) {
			writeDetail(w, http.StatusNotFound, "Not Found")
		}
	}
	return &fileHandler{fsys: os.DirFS(dir), prefix: prefix, notFound: notFound}
}

// open resolves urlPath to a regular file, or returns false.
func (h *fileHandler) open(urlPath string) (fs.File, fs.FileInfo, bool) {
	name := strings.TrimPrefix(urlPath, h.prefix)
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" || name == "." || !fs.ValidPath(name) {
		return nil, nil, false
	}
	f, err := h.fsys.Open(name)
	if err != nil {
		return nil, nil, false
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, nil, false
	}
	return f, info, true
}

func (h *fileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	f, info, ok := h.open(r.URL.Path)
	if !ok {
		h.notFound(w, r)
		return
	}
	defer f.Close()
	serveFile(w, r, f, info, h.maxAge)
}

func serveFile(w http.ResponseWriter, r *http.Request, f fs.File, info fs.FileInfo, maxAge string) {
	if maxAge != "" && w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "public, max-age="+maxAge)
	}
	if rs, ok := f.(io.ReadSeeker); ok {
		http.ServeContent(w, r, info.Name(), info.ModTime(), rs)
		return
	}
	if ct := mime.TypeByExtension(path.Ext(info.Name())); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	_, _ = io.Copy(w, f)
}

// spaHandler serves files from the frontend build and falls back to its
// index.html for client-side routes. API prefixes get a JSON 404.
type spaHandler struct {
	files *fileHandler
	index string
}

func newSPAHandler(dist string) *spaHandler {
	return &spaHandler{files: newFileHandler(dist, "", nil), index: "index.html"}
}

func (h *spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isAPIPath(r.URL.Path) {
		writeDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	if f, info, ok := h.files.open(r.URL.Path); ok {
		defer f.Close()
		serveFile(w, r, f, info, "")
		return
	}

	f, info, ok := h.files.open("/" + h.index)
	if !ok {
		writeDetail(w, http.StatusNotFound, FrontendMissingDetail)
		return
	}
	defer f.Close()
	w.Header().Set("Cache-Control", "no-cache")
	serveFile(w, r, f, info, "")
}
