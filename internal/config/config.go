// Package config loads and validates the routing configuration document.
// Endpoints are never stored in the document; each destination names an
// environment variable that holds its webhook URL or chat id, resolved once
// at load. The loaded Config is immutable for the life of the process.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"watchtower/internal/domain"
)

// Environment variables required by the telegram source.
const (
	EnvAPIID   = "TELEGRAM_API_ID"
	EnvAPIHash = "TELEGRAM_API_HASH"
)

// FeedRef is one unique feed to poll: many destinations may subscribe to the
// same URL, but only one poller runs per URL.
type FeedRef struct {
	URL  string
	Name string
}

// Config is the immutable routing configuration built at startup.
type Config struct {
	Destinations []*domain.Destination

	// Feeds is the deduplicated poll list (one entry per unique URL).
	Feeds []FeedRef

	// ChannelIDs is the set of unique telegram channel references appearing
	// anywhere in the document, in first-seen order.
	ChannelIDs []string

	// Telegram credentials from the environment; empty when unset. The
	// monitor command validates them only when the telegram source or a
	// telegram destination is in use.
	APIID   string
	APIHash string

	// StateDir is the root of on-disk state (attachments, cursor logs,
	// metrics snapshot).
	StateDir string
}

func (c *Config) AttachmentsDir() string { return filepath.Join(c.StateDir, "attachments") }
func (c *Config) RSSLogDir() string { return filepath.Join(c.StateDir, "rsslog") }
func (c *Config) TelegramLogDir() string { return filepath.Join(c.StateDir, "telegramlog") }
func (c *Config) MetricsPath() string { return filepath.Join(c.StateDir, "metrics.json") }

// On-disk document shapes.

type fileConfig struct {
	Destinations []fileDestination `json:"destinations"`
}

type fileDestination struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	EnvKey   string        `json:"env_key"`
	Channels []fileChannel `json:"channels"`
	RSS      []fileFeed    `json:"rss"`
}

type fileChannel struct {
	ID               string          `json:"id"`
	Keywords         *fileKeywords   `json:"keywords"`
	RestrictedMode   bool            `json:"restricted_mode"`
	OCR              bool            `json:"ocr"`
	CheckAttachments *bool           `json:"check_attachments"`
	Parser           json.RawMessage `json:"parser"`
}

type fileFeed struct {
	URL      string          `json:"url"`
	Name     string          `json:"name"`
	Keywords *fileKeywords   `json:"keywords"`
	Parser   json.RawMessage `json:"parser"`
}

type fileKeywords struct {
	Files  []string `json:"files"`
	Inline []string `json:"inline"`
}

// Load reads, resolves, and validates the configuration document at path.
// Validation failures are fatal; a destination whose endpoint variable is
// unset is skipped with a warning.
func Load(path string, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	var doc fileConfig
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg := &Config{
		APIID:    os.Getenv(EnvAPIID),
		APIHash:  os.Getenv(EnvAPIHash),
		StateDir: "tmp",
	}

	baseDir := filepath.Dir(path)
	seenNames := make(map[string]bool)
	feedNames := make(map[string]string) // url -> display name
	seenChannels := make(map[string]bool)

	for _, fd := range doc.Destinations {
		name := fd.Name
		if name == "" {
			name = "Unnamed"
		}
		if seenNames[name] {
			logger.Warn("duplicate destination name", "name", name)
		}
		seenNames[name] = true

		kind, err := parseKind(fd.Type)
		if err != nil {
			return nil, fmt.Errorf("destination %s: %w", name, err)
		}

		if fd.EnvKey == "" {
			return nil, fmt.Errorf("destination %s: env_key is required", name)
		}
		endpoint := os.Getenv(fd.EnvKey)
		if endpoint == "" {
			logger.Warn("endpoint variable not set, skipping destination",
				"destination", name, "env_key", fd.EnvKey)
			continue
		}

		dest := &domain.Destination{
			Name:     name,
			Kind:     kind,
			Endpoint: endpoint,
		}

		for _, ch := range fd.Channels {
			if ch.ID == "" {
				return nil, fmt.Errorf("destination %s: channel with empty id", name)
			}
			rule, err := buildRule(ch.ID, ch.Keywords, ch.Parser, baseDir, logger)
			if err != nil {
				return nil, fmt.Errorf("destination %s, channel %s: %w", name, ch.ID, err)
			}
			rule.RestrictedMode = ch.RestrictedMode
			rule.OCR = ch.OCR
			rule.CheckAttachments = ch.CheckAttachments == nil || *ch.CheckAttachments
			dest.Channels = append(dest.Channels, rule)

			if !seenChannels[ch.ID] {
				seenChannels[ch.ID] = true
				cfg.ChannelIDs = append(cfg.ChannelIDs, ch.ID)
			}
			if rule.RestrictedMode {
				logger.Info("restricted mode enabled", "destination", name, "channel", ch.ID)
			}
		}

		for _, f := range fd.RSS {
			if f.URL == "" {
				return nil, fmt.Errorf("destination %s: rss entry with empty url", name)
			}
			rule, err := buildRule(f.URL, f.Keywords, f.Parser, baseDir, logger)
			if err != nil {
				return nil, fmt.Errorf("destination %s, feed %s: %w", name, f.URL, err)
			}
			dest.Feeds = append(dest.Feeds, rule)

			display := f.Name
			if display == "" {
				display = f.URL
			}
			if prev, ok := feedNames[f.URL]; ok {
				if prev != display && f.Name != "" {
					logger.Warn("feed configured under multiple names, keeping first",
						"url", f.URL, "name", prev, "ignored", display)
				}
			} else {
				feedNames[f.URL] = display
				cfg.Feeds = append(cfg.Feeds, FeedRef{URL: f.URL, Name: display})
			}
		}

		if len(dest.Channels) == 0 && len(dest.Feeds) == 0 {
			logger.Warn("destination has no channels or feeds", "destination", name)
			continue
		}
		cfg.Destinations = append(cfg.Destinations, dest)
	}

	if len(cfg.Destinations) == 0 {
		return nil, fmt.Errorf("no usable destinations configured")
	}

	logger.Info("configuration loaded",
		"destinations", len(cfg.Destinations),
		"channels", len(cfg.ChannelIDs),
		"feeds", len(cfg.Feeds),
	)
	return cfg, nil
}

func parseKind(s string) (domain.DestKind, error) {
	switch s {
	case "webhook":
		return domain.DestWebhook, nil
	case "slack":
		return domain.DestSlack, nil
	case "telegram", "chat":
		return domain.DestTelegram, nil
	default:
		return "", fmt.Errorf("unknown destination type %q", s)
	}
}

func buildRule(id string, kw *fileKeywords, parser json.RawMessage, baseDir string, logger *slog.Logger) (domain.Rule, error) {
	rule := domain.Rule{ChannelID: id}

	keywords, err := resolveKeywords(kw, baseDir, logger)
	if err != nil {
		return rule, err
	}
	rule.Keywords = keywords

	spec, err := parseParserSpec(parser, logger)
	if err != nil {
		return rule, err
	}
	rule.Parser = spec
	return rule, nil
}

// resolveKeywords flattens inline keywords and keyword files into one list.
// Files ending in .yml/.yaml parse as a YAML string list, anything else as one
// keyword per non-empty line. Relative paths resolve against the config file
// directory. A missing file is a warning, not an error.
func resolveKeywords(kw *fileKeywords, baseDir string, logger *slog.Logger) ([]string, error) {
	if kw == nil {
		return nil, nil
	}

	var out []string
	out = append(out, kw.Inline...)

	for _, file := range kw.Files {
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("keyword file unreadable, skipping", "file", path, "err", err)
			continue
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yml", ".yaml":
			var list []string
			if err := yaml.Unmarshal(data, &list); err != nil {
				return nil, fmt.Errorf("keyword file %s: %w", path, err)
			}
			for _, k := range list {
				if k = strings.TrimSpace(k); k != "" {
					out = append(out, k)
				}
			}
		default:
			for _, line := range strings.Split(string(data), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					out = append(out, line)
				}
			}
		}
	}
	return out, nil
}

// parseParserSpec decodes a nullable parser spec. The trim and keep shapes are
// mutually exclusive and mixing them is a load error. Negative or non-numeric
// values degrade to a pass-through with a warning.
func parseParserSpec(raw json.RawMessage, logger *slog.Logger) (domain.ParserSpec, error) {
	var spec domain.ParserSpec
	if len(raw) == 0 || string(raw) == "null" {
		return spec, nil
	}

	var shape struct {
		TrimFront *json.Number `json:"trim_front"`
		TrimBack  *json.Number `json:"trim_back"`
		KeepFirst *json.Number `json:"keep_first"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		logger.Warn("unparseable parser spec, leaving text unchanged", "spec", string(raw), "err", err)
		return domain.ParserSpec{}, nil
	}

	hasTrim := shape.TrimFront != nil || shape.TrimBack != nil
	hasKeep := shape.KeepFirst != nil
	if hasTrim && hasKeep {
		return spec, fmt.Errorf("parser spec mixes trim and keep_first shapes: %s", string(raw))
	}

	toInt := func(n *json.Number) (int, bool) {
		if n == nil {
			return 0, true
		}
		v, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(v), true
	}

	tf, ok1 := toInt(shape.TrimFront)
	tb, ok2 := toInt(shape.TrimBack)
	kf, ok3 := toInt(shape.KeepFirst)
	if !ok1 || !ok2 || !ok3 {
		logger.Warn("non-integer parser values, leaving text unchanged", "spec", string(raw))
		return domain.ParserSpec{}, nil
	}
	if tf < 0 || tb < 0 || (hasKeep && kf <= 0) {
		logger.Warn("out-of-range parser values, leaving text unchanged", "spec", string(raw))
		return domain.ParserSpec{}, nil
	}

	spec.TrimFront = tf
	spec.TrimBack = tb
	spec.KeepFirst = kf
	return spec, nil
}
