// Package ingest turns platform capture callbacks into canonical events.
//
// Capture adapters push raw payloads into an Intake (never blocking the OS
// callback); the pipeline drains the intake and runs each payload through the
// Normalizer, which picks a per-platform decoder, enforces size limits and
// assigns identity.
package ingest

import (
	"strings"
	"time"
	"unicode/utf8"

	"notifrelay/internal/model"
)

const DefaultMaxContentBytes = 4096

// RawEvent is what a platform capture adapter hands over.
type RawEvent struct {
	Platform   string         `json:"platform"`
	Payload    map[string]any `json:"payload"`
	CapturedAt time.Time      `json:"captured_at"`
}

type Config struct {
	// MaxContentBytes bounds len(title)+len(body). 0 means DefaultMaxContentBytes.
	MaxContentBytes int
}

type Normalizer struct {
	cfg Config
	now func() time.Time
}

func NewNormalizer(cfg Config) *Normalizer {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	return &Normalizer{cfg: cfg, now: time.Now}
}

// MaxContentBytes reports the effective combined title+body limit.
func (n *Normalizer) MaxContentBytes() int { return n.cfg.MaxContentBytes }

// Normalize converts raw into a NotificationEvent or returns *MalformedEventError.
// It is safe for concurrent use.
func (n *Normalizer) Normalize(raw RawEvent) (model.NotificationEvent, error) {
	platform := strings.ToLower(strings.TrimSpace(raw.Platform))
	dec, ok := decoders[platform]
	if !ok {
		return model.NotificationEvent{}, &MalformedEventError{Platform: raw.Platform, Field: "platform", Reason: "unknown platform"}
	}
	if raw.Payload == nil {
		return model.NotificationEvent{}, &MalformedEventError{Platform: platform, Field: "payload", Reason: "missing"}
	}
	d, err := dec(raw.Payload)
	if err != nil {
		return model.NotificationEvent{}, err
	}
	if d.app == "" {
		return model.NotificationEvent{}, &MalformedEventError{Platform: platform, Field: "source_application", Reason: "missing"}
	}
	if d.title == "" && d.body == "" {
		return model.NotificationEvent{}, &MalformedEventError{Platform: platform, Field: "title", Reason: "title and body are both empty"}
	}
	if !utf8.ValidString(d.title) || !utf8.ValidString(d.body) {
		d.title = strings.ToValidUTF8(d.title, "�")
		d.body = strings.ToValidUTF8(d.body, "�")
	}

	meta, dropped := model.SanitizeMetadata(d.meta)
	title, body, truncated := limitContent(d.title, d.body, n.cfg.MaxContentBytes)
	if truncated || len(dropped) > 0 {
		if meta == nil {
			meta = map[string]any{}
		}
		if truncated {
			meta[model.MetaTruncated] = true
		}
		if len(dropped) > 0 {
			meta[model.MetaDroppedKeys] = dropped
		}
	}

	created := raw.CapturedAt
	if created.IsZero() {
		created = n.now()
	}
	return model.NotificationEvent{
		ID:                model.NewID(),
		Platform:          platform,
		SourceApplication: d.app,
		Title:             title,
		Body:              body,
		Priority:          d.priority,
		CreatedAt:         created,
		Seq:               model.NextSeq(),
		Metadata:          meta,
	}, nil
}

// limitContent trims body first, then title, so that the combined byte length
// fits max. Cuts never split a UTF-8 sequence.
func limitContent(title, body string, max int) (string, string, bool) {
	if len(title)+len(body) <= max {
		return title, body, false
	}
	if len(title) >= max {
		return cutUTF8(title, max), "", true
	}
	return title, cutUTF8(body, max-len(title)), true
}

func cutUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
