// Package mimetype provides the extension to content-type table used when serving files.
package mimetype

import (
	"fmt"
	"mime"
	"strings"
)

// Overrides are the content types that replace the platform defaults.
// Some platforms resolve .js to text/plain through the registry, which
// breaks module scripts in the browser.
var Overrides = map[string]string{
	".js":  "application/javascript",
	".css": "text/css",
}

// Registry maps a lowercase file extension (with leading dot) to a content type.
// It is built once at startup and only read afterwards.
type Registry struct {
	types map[string]string
}

// New returns a Registry holding Overrides plus any extra entries.
// Extra entries win over Overrides.
func New(extra map[string]string) (*Registry, error) {
	r := &Registry{types: make(map[string]string, len(Overrides)+len(extra))}
	for ext, ct := range Overrides {
		if err := r.Add(ext, ct); err != nil {
			return nil, err
		}
	}
	for ext, ct := range extra {
		if err := r.Add(ext, ct); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers ct for ext. Adding the same pair twice is a no-op.
func (r *Registry) Add(ext, ct string) error {
	key := NormalizeExt(ext)
	if key == "." {
		return fmt.Errorf("invalid extension %q", ext)
	}
	if _, _, err := mime.ParseMediaType(ct); err != nil {
		return fmt.Errorf("invalid content type %q for %s: %w", ct, key, err)
	}
	r.types[key] = ct
	return nil
}

// Lookup returns the content type registered for ext.
func (r *Registry) Lookup(ext string) (string, bool) {
	if r == nil || ext == "" {
		return "", false
	}
	ct, ok := r.types[NormalizeExt(ext)]
	return ct, ok
}

// Len returns the number of registered extensions.
func (r *Registry) Len() int {
	return len(r.types)
}

// NormalizeExt lowercases ext and makes sure it starts with a dot.
//
//	"JS"   -> ".js"
//	".Css" -> ".css"
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
