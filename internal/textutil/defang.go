package textutil

import (
	"fmt"
	"strings"
)

// Defang renders a URL non-clickable for safe sharing: the scheme is rewritten
// (https -> hxxps, http -> hxxp) and the dot before "me" in t.me and
// telegram.me hosts is bracketed. Defang is idempotent: none of the rewritten
// forms contain the patterns being replaced.
func Defang(url string) string {
	url = strings.ReplaceAll(url, "https://", "hxxps://")
	url = strings.ReplaceAll(url, "http://", "hxxp://")
	url = strings.ReplaceAll(url, "t.me", "t[.]me")
	url = strings.ReplaceAll(url, "telegram.me", "telegram[.]me")
	return url
}

// MessageURL builds the canonical link to a telegram message. Public channels
// link by handle; private channels link through the /c/ form with the -100
// supergroup prefix stripped.
func MessageURL(channelID string, messageID int) string {
	if strings.HasPrefix(channelID, "@") {
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(channelID, "@"), messageID)
	}
	if strings.HasPrefix(channelID, "-100") {
		return fmt.Sprintf("https://t.me/c/%s/%d", strings.TrimPrefix(channelID, "-100"), messageID)
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", channelID, messageID)
}
