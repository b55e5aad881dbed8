package storage

import (
	"path/filepath"
	"strings"
)

// WebPath maps a file under the static directory to its URL, e.g.
// /srv/app/static/outputs/a.png becomes /static/outputs/a.png. Paths that
// do not contain exactly one /static/ segment come back slash-normalized.
func WebPath(path string) string {
	normalized := strings.ReplaceAll(path, `\`, "/")
	abs := normalized
	if a, err := filepath.Abs(path); err == nil {
		abs = strings.ReplaceAll(a, `\`, "/")
	}

	parts := strings.Split(abs, "/static/")
	if len(parts) == 2 {
		return "/static/" + parts[1]
	}
	return normalized
}
