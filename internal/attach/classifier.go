// Package attach classifies and reads message attachments. The classifier is
// the single gate used both by restricted-mode delivery filtering and by
// attachment text extraction for keyword search.
package attach

import (
	"path/filepath"
	"strings"
)

// Allow-lists for text-like, searchable attachments. A file must match both
// lists to be considered safe.
var (
	allowedExtensions = map[string]bool{
		".txt":  true,
		".csv":  true,
		".log":  true,
		".sql":  true,
		".xml":  true,
		".dat":  true,
		".db":   true,
		".mdb":  true,
		".json": true,
	}

	allowedMIMETypes = map[string]bool{
		"text/plain":               true,
		"text/csv":                 true,
		"text/xml":                 true,
		"application/sql":          true,
		"application/octet-stream": true,
		"application/x-sql":        true,
		"application/x-msaccess":   true,
		"application/json":         true,
	}
)

// IsSafe reports whether a file with the given name and MIME type is on both
// allow-lists. A missing filename or MIME type is unsafe.
func IsSafe(filename, mime string) bool {
	if filename == "" || mime == "" {
		return false
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return false
	}
	// MIME parameters (e.g. "; charset=utf-8") are not part of the type.
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return allowedMIMETypes[mime]
}
