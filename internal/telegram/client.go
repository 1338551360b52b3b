// Package telegram binds the daemon to Telegram through gotd. It implements
// domain.ChatClient: a long-lived user session with entity resolution,
// history access for gap recovery, media download, and sending with typed
// flood-wait errors. Everything MTProto stays behind this package.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/html"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"watchtower/internal/domain"
)

// channelIDBase converts between bare MTProto channel ids and the signed
// -100-prefixed form used in configuration.
const channelIDBase = int64(1000000000000)

// Client is the gotd-backed chat binding.
type Client struct {
	logger *slog.Logger

	tc  *telegram.Client
	api *tg.Client

	sender *message.Sender
	upload *uploader.Uploader

	ready   chan struct{}
	updates chan domain.ChatMessage

	mu       sync.Mutex
	channels map[int64]*tg.InputChannel // signed id -> input with access hash
	titles   map[int64]domain.ChatInfo
}

// Options configures the binding.
type Options struct {
	APIID      int
	APIHash    string
	SessionDir string
	Logger     *slog.Logger
}

// New builds a client. The session connects on Run.
func New(opts Options) *Client {
	c := &Client{
		logger:   opts.Logger,
		ready:    make(chan struct{}),
		updates:  make(chan domain.ChatMessage, 64),
		channels: make(map[int64]*tg.InputChannel),
		titles:   make(map[int64]domain.ChatInfo),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.handleMessage(ctx, e, u.Message)
		return nil
	})

	c.tc = telegram.NewClient(opts.APIID, opts.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{
			Path: filepath.Join(opts.SessionDir, "watchtower.session"),
		},
		UpdateHandler: dispatcher,
	})
	return c
}

// Run connects and blocks until ctx is cancelled. The session must already
// be authorized (an interactive login is out of scope for the daemon).
func (c *Client) Run(ctx context.Context) error {
	return c.tc.Run(ctx, func(ctx context.Context) error {
		status, err := c.tc.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return errors.New("telegram session not authorized, log in first")
		}

		c.api = c.tc.API()
		c.sender = message.NewSender(c.api)
		c.upload = uploader.NewUploader(c.api)
		close(c.ready)

		c.logger.Info("telegram client started")
		<-ctx.Done()
		return ctx.Err()
	})
}

func (c *Client) Ready() <-chan struct{} { return c.ready }

func (c *Client) Updates() <-chan domain.ChatMessage { return c.updates }

// handleMessage converts an inbound channel update and hands it to the
// updates channel. Unknown channels are remembered so later calls can reuse
// their access hashes.
func (c *Client) handleMessage(ctx context.Context, e tg.Entities, raw tg.MessageClass) {
	msg, ok := raw.(*tg.Message)
	if !ok {
		return
	}
	peer, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return
	}

	var channel *tg.Channel
	for _, ch := range e.Channels {
		if ch.ID == peer.ChannelID {
			channel = ch
			break
		}
	}
	if channel == nil {
		return
	}
	c.remember(channel)

	out := c.convert(ctx, channel, msg, true)
	select {
	case c.updates <- out:
	default:
		c.logger.Warn("updates channel full, dropping message",
			"channel", channel.Title, "tg_id", msg.ID)
	}
}

// convert maps a raw message onto the binding's message type. withReply
// controls whether the replied-to message is fetched (one extra RPC).
func (c *Client) convert(ctx context.Context, channel *tg.Channel, msg *tg.Message, withReply bool) domain.ChatMessage {
	out := domain.ChatMessage{
		ID:   msg.ID,
		Chat: chatInfoFromChannel(channel),
		Time: time.Unix(int64(msg.Date), 0).UTC(),
		Text: msg.Message,
	}

	out.Sender = msg.PostAuthor
	if out.Sender == "" {
		out.Sender = out.Chat.DisplayName()
	}

	out.Media, out.FileName, out.MimeType = classifyMedia(msg.Media)

	if withReply {
		if hdr, ok := msg.GetReplyTo(); ok {
			if reply, ok := hdr.(*tg.MessageReplyHeader); ok && reply.ReplyToMsgID != 0 {
				out.Reply = c.fetchReply(ctx, channel, reply.ReplyToMsgID)
			}
		}
	}
	return out
}

func classifyMedia(media tg.MessageMediaClass) (domain.MediaKind, string, string) {
	switch m := media.(type) {
	case nil:
		return domain.MediaNone, "", ""
	case *tg.MessageMediaPhoto:
		return domain.MediaPhoto, "", ""
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return domain.MediaOther, "", ""
		}
		var filename string
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				filename = fn.FileName
				break
			}
		}
		return domain.MediaDocument, filename, doc.MimeType
	case *tg.MessageMediaWebPage:
		return domain.MediaNone, "", ""
	default:
		return domain.MediaOther, "", ""
	}
}

// fetchReply loads reply context; failures degrade to no context.
func (c *Client) fetchReply(ctx context.Context, channel *tg.Channel, msgID int) *domain.ReplyContext {
	res, err := c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: &tg.InputChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash},
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}},
	})
	if err != nil {
		c.logger.Warn("reply context fetch failed", "channel", channel.Title, "err", err)
		return nil
	}
	msgs, ok := res.(*tg.MessagesChannelMessages)
	if !ok || len(msgs.Messages) == 0 {
		return nil
	}
	replied, ok := msgs.Messages[0].(*tg.Message)
	if !ok {
		return nil
	}

	kind, _, _ := classifyMedia(replied.Media)
	author := replied.PostAuthor
	if author == "" {
		author = chatInfoFromChannel(channel).DisplayName()
	}
	return &domain.ReplyContext{
		Author:    author,
		Time:      time.Unix(int64(replied.Date), 0).UTC(),
		Text:      replied.Message,
		MediaKind: kind,
		HasMedia:  kind != domain.MediaNone,
	}
}

// Resolve maps a configured reference to an entity. @handles resolve through
// the username service; numeric ids are looked up in the dialog list, which
// also yields their access hashes.
func (c *Client) Resolve(ctx context.Context, ref string) (domain.ChatInfo, error) {
	if strings.HasPrefix(ref, "@") {
		res, err := c.api.ContactsResolveUsername(ctx, strings.TrimPrefix(ref, "@"))
		if err != nil {
			return domain.ChatInfo{}, fmt.Errorf("resolve %s: %w", ref, err)
		}
		for _, chat := range res.Chats {
			if ch, ok := chat.(*tg.Channel); ok {
				c.remember(ch)
				return chatInfoFromChannel(ch), nil
			}
		}
		return domain.ChatInfo{}, fmt.Errorf("resolve %s: no channel in response", ref)
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(ref, "-100"), 10, 64)
	if err != nil {
		return domain.ChatInfo{}, fmt.Errorf("resolve %s: not a handle or id", ref)
	}
	signed := -(channelIDBase + id)

	c.mu.Lock()
	info, ok := c.titles[signed]
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	// Fill the cache from the dialog list, then retry.
	if _, err := c.Dialogs(ctx); err != nil {
		return domain.ChatInfo{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	c.mu.Lock()
	info, ok = c.titles[signed]
	c.mu.Unlock()
	if !ok {
		return domain.ChatInfo{}, fmt.Errorf("resolve %s: not in accessible dialogs", ref)
	}
	return info, nil
}

// Latest returns the newest message of a channel, or nil for an empty one.
func (c *Client) Latest(ctx context.Context, chat domain.ChatInfo) (*domain.ChatMessage, error) {
	msgs, err := c.history(ctx, chat, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[len(msgs)-1], nil
}

// After returns messages with id greater than minID in ascending id order.
func (c *Client) After(ctx context.Context, chat domain.ChatInfo, minID int) ([]domain.ChatMessage, error) {
	return c.history(ctx, chat, minID, 100)
}

func (c *Client) history(ctx context.Context, chat domain.ChatInfo, minID, limit int) ([]domain.ChatMessage, error) {
	input, channel, err := c.inputChannel(chat.ID)
	if err != nil {
		return nil, err
	}

	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  &tg.InputPeerChannel{ChannelID: input.ChannelID, AccessHash: input.AccessHash},
		MinID: minID,
		Limit: limit,
	})
	if err != nil {
		return nil, floodWait(err)
	}

	var raw []tg.MessageClass
	switch m := res.(type) {
	case *tg.MessagesChannelMessages:
		raw = m.Messages
	case *tg.MessagesMessagesSlice:
		raw = m.Messages
	case *tg.MessagesMessages:
		raw = m.Messages
	default:
		return nil, fmt.Errorf("unexpected history response %T", res)
	}

	// History arrives newest first; flip to ascending and re-apply the floor
	// (MinID is advisory on some layers).
	var out []domain.ChatMessage
	for i := len(raw) - 1; i >= 0; i-- {
		msg, ok := raw[i].(*tg.Message)
		if !ok || msg.ID <= minID {
			continue
		}
		out = append(out, c.convert(ctx, channel, msg, true))
	}
	return out, nil
}

// SendMessage delivers HTML-formatted text to a chat.
func (c *Client) SendMessage(ctx context.Context, chat string, text string) error {
	peer, err := c.peer(ctx, chat)
	if err != nil {
		return err
	}
	if _, err := c.sender.To(peer).StyledText(ctx, html.String(nil, text)); err != nil {
		return floodWait(err)
	}
	return nil
}

// SendFile uploads a local file and delivers it with an optional caption.
func (c *Client) SendFile(ctx context.Context, chat string, path, caption string) error {
	peer, err := c.peer(ctx, chat)
	if err != nil {
		return err
	}

	f, err := c.upload.FromPath(ctx, path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}

	doc := message.UploadedDocument(f)
	if caption != "" {
		doc = message.UploadedDocument(f, html.String(nil, caption))
	}
	doc = doc.Filename(filepath.Base(path))

	if _, err := c.sender.To(peer).Media(ctx, doc); err != nil {
		return floodWait(err)
	}
	return nil
}

// Download fetches a message's media into dir and returns the local path.
func (c *Client) Download(ctx context.Context, msg *domain.ChatMessage, dir string) (string, error) {
	raw, err := c.rawMessage(ctx, msg)
	if err != nil {
		return "", err
	}

	loc, name, err := fileLocation(raw.Media, msg.ID)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)
	if _, err := downloader.NewDownloader().Download(c.api, loc).ToPath(ctx, path); err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	return path, nil
}

// rawMessage re-fetches the message carrying the live media references.
func (c *Client) rawMessage(ctx context.Context, msg *domain.ChatMessage) (*tg.Message, error) {
	input, _, err := c.inputChannel(msg.Chat.ID)
	if err != nil {
		return nil, err
	}
	res, err := c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: input,
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: msg.ID}},
	})
	if err != nil {
		return nil, err
	}
	msgs, ok := res.(*tg.MessagesChannelMessages)
	if !ok || len(msgs.Messages) == 0 {
		return nil, errors.New("message vanished")
	}
	raw, ok := msgs.Messages[0].(*tg.Message)
	if !ok {
		return nil, errors.New("message vanished")
	}
	return raw, nil
}

func fileLocation(media tg.MessageMediaClass, msgID int) (tg.InputFileLocationClass, string, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return nil, "", errors.New("empty photo")
		}
		var largest string
		for _, size := range photo.Sizes {
			if s, ok := size.(*tg.PhotoSize); ok {
				largest = s.Type
			}
		}
		loc := &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largest,
		}
		return loc, fmt.Sprintf("photo_%d.jpg", msgID), nil

	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return nil, "", errors.New("empty document")
		}
		name := fmt.Sprintf("document_%d", msgID)
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				name = fn.FileName
				break
			}
		}
		loc := &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}
		return loc, name, nil

	default:
		return nil, "", fmt.Errorf("media %T is not downloadable", media)
	}
}

// Dialogs enumerates accessible chat entities, caching channel access hashes
// along the way.
func (c *Client) Dialogs(ctx context.Context) ([]domain.ChatInfo, error) {
	var (
		out        []domain.ChatInfo
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)

	for {
		res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      100,
		})
		if err != nil {
			return nil, floodWait(err)
		}

		var (
			chats    []tg.ChatClass
			users    []tg.UserClass
			messages []tg.MessageClass
			count    int
		)
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			chats, users, messages = d.Chats, d.Users, d.Messages
			count = len(d.Dialogs)
		case *tg.MessagesDialogsSlice:
			chats, users, messages = d.Chats, d.Users, d.Messages
			count = len(d.Dialogs)
		default:
			return out, nil
		}

		for _, chat := range chats {
			switch ch := chat.(type) {
			case *tg.Channel:
				c.remember(ch)
				out = append(out, chatInfoFromChannel(ch))
			case *tg.Chat:
				out = append(out, domain.ChatInfo{ID: -ch.ID, Title: ch.Title, Kind: "Group"})
			}
		}
		for _, user := range users {
			if u, ok := user.(*tg.User); ok {
				out = append(out, chatInfoFromUser(u))
			}
		}

		if count < 100 || len(messages) == 0 {
			return out, nil
		}
		// Page from the oldest message in this batch.
		if last, ok := messages[len(messages)-1].(*tg.Message); ok {
			offsetDate = last.Date
			offsetID = last.ID
			offsetPeer = &tg.InputPeerEmpty{}
		} else {
			return out, nil
		}
	}
}

func (c *Client) remember(ch *tg.Channel) {
	info := chatInfoFromChannel(ch)
	c.mu.Lock()
	c.channels[info.ID] = &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
	c.titles[info.ID] = info
	c.mu.Unlock()
}

// inputChannel returns the cached access-hash input for a signed channel id,
// plus a synthetic *tg.Channel for message conversion.
func (c *Client) inputChannel(signedID int64) (*tg.InputChannel, *tg.Channel, error) {
	c.mu.Lock()
	input, ok := c.channels[signedID]
	info := c.titles[signedID]
	c.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("channel %d not resolved", signedID)
	}
	ch := &tg.Channel{
		ID:         input.ChannelID,
		AccessHash: input.AccessHash,
		Username:   info.Username,
		Title:      info.Title,
	}
	return input, ch, nil
}

// peer resolves a destination chat spec (@handle or signed id) to an input
// peer.
func (c *Client) peer(ctx context.Context, chat string) (tg.InputPeerClass, error) {
	info, err := c.Resolve(ctx, chat)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	input, ok := c.channels[info.ID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no access hash for %s", chat)
	}
	return &tg.InputPeerChannel{ChannelID: input.ChannelID, AccessHash: input.AccessHash}, nil
}

func chatInfoFromChannel(ch *tg.Channel) domain.ChatInfo {
	kind := "Group"
	switch {
	case ch.Broadcast:
		kind = "Channel"
	case ch.Megagroup:
		kind = "Supergroup"
	}
	return domain.ChatInfo{
		ID:       -(channelIDBase + ch.ID),
		Username: ch.Username,
		Title:    ch.Title,
		Kind:     kind,
	}
}

func chatInfoFromUser(u *tg.User) domain.ChatInfo {
	kind := "User"
	if u.Bot {
		kind = "Bot"
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return domain.ChatInfo{ID: u.ID, Username: u.Username, Title: name, Kind: kind}
}

// floodWait maps gotd flood-wait errors onto the binding's typed error.
func floodWait(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &domain.FloodWaitError{Duration: d}
	}
	return err
}
