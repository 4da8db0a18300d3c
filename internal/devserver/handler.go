// Package devserver serves a directory over HTTP for local development.
//
// Responses are never cacheable and a small MIME registry pins the content
// type of script and style sheets, so a browser reload always picks up the
// latest files on disk.
package devserver

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/f4ah6o/devserver-go/internal/mimetype"
)

// Cache-busting header values added to every response.
const (
	CacheControl = "no-cache, no-store, must-revalidate"
	Pragma       = "no-cache"
	Expires      = "0"
)

// NewHandler returns a handler serving files under root with the
// cache-busting headers and the content types from types applied.
func NewHandler(root string, types *mimetype.Registry) http.Handler {
	return NoCache(ContentTypes(types, FileServer(http.Dir(root))))
}

const indexPage = "/index.html"

// FileServer is http.FileServer except that an explicit request for
// index.html is answered with the page itself instead of a redirect to
// its directory.
func FileServer(root http.FileSystem) http.Handler {
	files := http.FileServer(root)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, indexPage) && serveIndexPage(w, r, root) {
			return
		}
		files.ServeHTTP(w, r)
	})
}

// serveIndexPage serves the file at r.URL.Path and reports whether it
// answered the request. A directory named index.html is left to the file server.
func serveIndexPage(w http.ResponseWriter, r *http.Request, root http.FileSystem) bool {
	f, err := root.Open(path.Clean(r.URL.Path))
	if err != nil {
		msg, code := toHTTPError(err)
		http.Error(w, msg, code)
		return true
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		msg, code := toHTTPError(err)
		http.Error(w, msg, code)
		return true
	}
	if fi.IsDir() {
		return false
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
	return true
}

// toHTTPError maps a filesystem error to the status http.FileServer would use.
func toHTTPError(err error) (msg string, code int) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "404 page not found", http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return "403 Forbidden", http.StatusForbidden
	}
	return "500 Internal Server Error", http.StatusInternalServerError
}

// NoCache wraps next so that every response, whatever its status, carries
// headers telling clients and proxies not to cache it.
func NoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hw := &hookWriter{ResponseWriter: w, before: func(h http.Header, _ int) {
			h.Set("Cache-Control", CacheControl)
			h.Set("Pragma", Pragma)
			h.Set("Expires", Expires)
		}}
		next.ServeHTTP(hw, r)
		hw.finish()
	})
}

// ContentTypes wraps next so that successful responses for a path whose
// extension is in types get that exact Content-Type. The type is set before
// next runs, so http.ServeContent uses it as is and also labels each part
// of a multi-range body with it; the response itself stays
// multipart/byteranges. Error and redirect responses drop it again.
func ContentTypes(types *mimetype.Registry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct, ok := types.Lookup(path.Ext(r.URL.Path))
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", ct)
		hw := &hookWriter{ResponseWriter: w, before: func(h http.Header, code int) {
			if (code < 200 || code >= 300) && h.Get("Content-Type") == ct {
				h.Del("Content-Type")
			}
		}}
		next.ServeHTTP(hw, r)
		hw.finish()
	})
}

// hookWriter runs before once, right before the status line goes out.
// net/http clears some preset headers (Cache-Control among them) on its
// error path, so headers that must always be present are set here.
type hookWriter struct {
	http.ResponseWriter
	before func(h http.Header, code int)
	wrote  bool
}

func (w *hookWriter) WriteHeader(code int) {
	// 1xx responses are informational and followed by the real one.
	if !w.wrote && code >= 200 {
		w.wrote = true
		w.before(w.Header(), code)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *hookWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// ReadFrom keeps the sendfile path of the underlying writer reachable
// when file bodies are copied through the hook.
func (w *hookWriter) ReadFrom(src io.Reader) (int64, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	if rf, ok := w.ResponseWriter.(io.ReaderFrom); ok {
		return rf.ReadFrom(src)
	}
	return io.Copy(w.ResponseWriter, src)
}

// finish covers handlers that return without writing anything.
func (w *hookWriter) finish() {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *hookWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
