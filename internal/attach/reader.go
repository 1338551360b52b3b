package attach

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// maxFileSize is the hard cap above which an attachment is skipped
	// entirely rather than partially read.
	maxFileSize = 5 * 1024 * 1024

	// maxReadBytes bounds how much of a safe attachment is read for keyword
	// search.
	maxReadBytes = 1 * 1024 * 1024
)

// ReadText reads a classifier-safe attachment as UTF-8 for keyword search.
// When the source platform supplied no MIME type, the file content is sniffed
// instead. Returns "" and false on an unsafe verdict, an oversized file, or
// any read error; all failures are non-fatal. Oversized files and read errors
// are logged through logger; an unsafe verdict returns without logging.
func ReadText(path, filename, mime string, logger *slog.Logger) (string, bool) {
	if mime == "" {
		if mt, err := mimetype.DetectFile(path); err == nil {
			mime = mt.String()
		}
	}
	if !IsSafe(filename, mime) {
		return "", false
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Warn("attachment stat failed", "path", path, "err", err)
		return "", false
	}
	if info.Size() > maxFileSize {
		logger.Info("attachment too large for keyword search",
			"path", path, "size", info.Size(), "limit", maxFileSize)
		return "", false
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Warn("attachment open failed", "path", path, "err", err)
		return "", false
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
	if err != nil {
		logger.Warn("attachment read failed", "path", path, "err", err)
		return "", false
	}

	return sanitizeUTF8(data), true
}

// sanitizeUTF8 decodes bytes as UTF-8 with invalid sequences replaced, the
// moral equivalent of a "replace" error policy.
func sanitizeUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	b.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			b.WriteRune('�')
		} else {
			b.WriteRune(r)
		}
		data = data[size:]
	}
	return b.String()
}
