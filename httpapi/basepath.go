package httpapi

import (
	"path"
	"strings"
)

// normalizeBasePath turns a configured mount point into "/prefix" form, or ""
// for the root.
func normalizeBasePath(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := path.Clean("/" + value)
	if cleaned == "/" {
		return ""
	}
	return cleaned
}

// documentFromPath extracts the session id from /api/sessions/{id}/... paths.
func documentFromPath(p string) string {
	rest, ok := strings.CutPrefix(p, "/api/sessions/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
