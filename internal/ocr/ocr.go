// Package ocr wraps the tesseract engine behind a lazily-initialized adapter.
// When the engine cannot be initialized the adapter degrades gracefully:
// Available reports false and Extract always returns "".
package ocr

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// Adapter is a lazy, single-instance OCR engine. The underlying client is not
// safe for concurrent use; Extract serializes callers with a mutex.
type Adapter struct {
	logger *slog.Logger

	mu     sync.Mutex
	init   bool
	client *gosseract.Client
}

// New creates an adapter without touching the engine; initialization happens
// on the first Extract call.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// Available reports whether the engine initialized successfully. It triggers
// initialization when that has not happened yet.
func (a *Adapter) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureClient()
	return a.client != nil
}

// Extract runs OCR on an image file and returns the recognized text, or ""
// when the engine is unavailable, recognition fails, or nothing is
// recognized.
func (a *Adapter) Extract(path string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ensureClient()
	if a.client == nil {
		return ""
	}

	if err := a.client.SetImage(path); err != nil {
		a.logger.Warn("ocr set image failed", "path", path, "err", err)
		return ""
	}
	text, err := a.client.Text()
	if err != nil {
		a.logger.Warn("ocr failed", "path", path, "err", err)
		return ""
	}
	return strings.TrimSpace(text)
}

// Close releases the engine, if it was ever initialized.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
	a.init = true
}

// ensureClient performs the one-shot engine initialization. Callers hold mu.
func (a *Adapter) ensureClient() {
	if a.init {
		return
	}
	a.init = true

	client := gosseract.NewClient()
	if err := client.SetLanguage("eng"); err != nil {
		a.logger.Warn("ocr engine unavailable", "err", err)
		client.Close()
		return
	}
	a.client = client
	a.logger.Info("ocr engine initialized", "lang", "eng")
}
