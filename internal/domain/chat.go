package domain

import (
	"context"
	"fmt"
	"time"
)

// ChatInfo identifies a resolved telegram entity.
type ChatInfo struct {
	ID       int64  // signed peer id (supergroups carry the -100 prefix)
	Username string // without the leading @, empty for private channels
	Title    string
	Kind     string // "Channel", "Supergroup", "Group", "Bot", "User"
}

// DisplayName returns "@username" when available, otherwise the title.
func (c ChatInfo) DisplayName() string {
	if c.Username != "" {
		return "@" + c.Username
	}
	return c.Title
}

// ChatMessage is a platform message as seen by the chat binding.
type ChatMessage struct {
	ID       int
	Chat     ChatInfo
	Sender   string
	Time     time.Time
	Text     string
	Media    MediaKind
	FileName string // document file name, when known
	MimeType string // document MIME type, when known
	Reply    *ReplyContext
}

// HasMedia reports whether the message carries an attachment.
func (m *ChatMessage) HasMedia() bool { return m.Media != MediaNone }

// FloodWaitError is the typed "slow down" error from the chat platform.
type FloodWaitError struct {
	Duration time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: %s", e.Duration)
}

// ChatClient is the binding to the chat-platform library. Session storage,
// entity resolution, and the wire protocol live behind this interface; the
// pipeline only sees envelopes and these operations.
type ChatClient interface {
	// Run connects and blocks until ctx is cancelled, delivering inbound
	// messages on Updates. Ready is closed once the session is usable.
	Run(ctx context.Context) error
	Ready() <-chan struct{}
	Updates() <-chan ChatMessage

	// Resolve maps a configured reference (@handle, -100… id, bare numeric id)
	// to an entity.
	Resolve(ctx context.Context, ref string) (ChatInfo, error)

	// Latest returns the newest message of a chat, or nil when the chat is
	// empty.
	Latest(ctx context.Context, chat ChatInfo) (*ChatMessage, error)

	// After returns messages with id > minID in ascending id order.
	After(ctx context.Context, chat ChatInfo, minID int) ([]ChatMessage, error)

	// SendMessage delivers text to a chat. A *FloodWaitError carries the
	// platform cooldown.
	SendMessage(ctx context.Context, chat string, text string) error

	// SendFile delivers a local file with an optional caption.
	SendFile(ctx context.Context, chat string, path, caption string) error

	// Download fetches the media of a message into dir and returns the local
	// path.
	Download(ctx context.Context, msg *ChatMessage, dir string) (string, error)

	// Dialogs enumerates every chat entity the session can access.
	Dialogs(ctx context.Context) ([]ChatInfo, error)
}
