// Package source produces envelopes: a telegram subscription with periodic
// gap-recovery polling, and interval-polled syndication feeds. Both keep
// per-origin cursor files under the state directory; feed cursors persist
// across restarts, telegram cursors are deliberately cleared on clean
// shutdown.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// sanitizeName maps an arbitrary channel or feed identifier to a safe file
// name.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// feedCursorPath returns the cursor file for a feed display name.
func feedCursorPath(dir, name string) string {
	return filepath.Join(dir, sanitizeName(name)+".txt")
}

// loadFeedCursor reads a feed's last-processed entry timestamp. ok is false
// when the file is missing, empty, or corrupt.
func loadFeedCursor(dir, name string) (time.Time, bool) {
	data, err := os.ReadFile(feedCursorPath(dir, name))
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// saveFeedCursor persists a feed's last-processed entry timestamp.
func saveFeedCursor(dir, name string, ts time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(feedCursorPath(dir, name), []byte(ts.UTC().Format(time.RFC3339)), 0o644)
}

// chatCursorPath returns the cursor file for a telegram channel reference.
func chatCursorPath(dir, ref string) string {
	return filepath.Join(dir, sanitizeName(ref)+".txt")
}

// saveChatCursor writes the two-line channel cursor: display name, then last
// processed message id.
func saveChatCursor(dir, ref, display string, msgID int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("%s\n%d", display, msgID)
	return os.WriteFile(chatCursorPath(dir, ref), []byte(content), 0o644)
}

// loadChatCursor reads a channel cursor. ok is false when the file is
// missing or malformed.
func loadChatCursor(dir, ref string) (display string, msgID int, ok bool) {
	data, err := os.ReadFile(chatCursorPath(dir, ref))
	if err != nil {
		return "", 0, false
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 {
		return "", 0, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return "", 0, false
	}
	return lines[0], id, true
}

// clearChatCursors removes every telegram cursor file. Called on clean
// shutdown so the next run re-anchors at the then-latest message.
func clearChatCursors(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var firstErr error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
