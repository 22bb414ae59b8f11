package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"notifrelay/internal/model"
)

// decoded is the platform-neutral result of a decoder, before limits and ids.
type decoded struct {
	app      string
	title    string
	body     string
	priority model.Priority
	meta     map[string]any
}

type decoder func(p map[string]any) (decoded, error)

// Platform tags understood by the normalizer.
const (
	PlatformLinux   = "linux"
	PlatformDarwin  = "darwin"
	PlatformWindows = "windows"
	PlatformGeneric = "generic"
)

var decoders = map[string]decoder{
	PlatformLinux:   decodeLinux,
	PlatformDarwin:  decodeDarwin,
	"macos":         decodeDarwin,
	PlatformWindows: decodeWindows,
	PlatformGeneric: decodeGeneric,
}

// Platforms lists accepted platform tags.
func Platforms() []string {
	return []string{PlatformLinux, PlatformDarwin, "macos", PlatformWindows, PlatformGeneric}
}

// decodeLinux maps a freedesktop.org Notify call.
func decodeLinux(p map[string]any) (decoded, error) {
	d := decoded{
		app:   str(p, "app_name"),
		title: str(p, "summary"),
		body:  str(p, "body"),
		meta:  map[string]any{},
	}
	d.priority = model.PriorityNormal
	if n, ok := num(p, "urgency"); ok {
		switch n {
		case 0:
			d.priority = model.PriorityLow
		case 2:
			d.priority = model.PriorityCritical
		}
	}
	if icon := str(p, "app_icon"); icon != "" {
		d.meta["icon"] = icon
	}
	if hints, ok := p["hints"].(map[string]any); ok {
		for k, v := range hints {
			d.meta["hint."+k] = v
		}
		if cat, ok := hints["category"].(string); ok {
			d.meta["category"] = cat
		}
	}
	if acts := strList(p["actions"]); len(acts) > 0 {
		d.meta["actions"] = acts
	}
	return d, nil
}

// decodeDarwin maps a UNNotification-style payload.
func decodeDarwin(p map[string]any) (decoded, error) {
	d := decoded{
		app:   firstNonEmpty(str(p, "bundle_id"), str(p, "app_name")),
		title: str(p, "title"),
		body:  str(p, "body"),
		meta:  map[string]any{},
	}
	if sub := str(p, "subtitle"); sub != "" {
		if d.title == "" {
			d.title = sub
		} else {
			d.title = d.title + ": " + sub
		}
	}
	if name := str(p, "app_name"); name != "" && name != d.app {
		d.meta["app_name"] = name
	}
	switch strings.ToLower(str(p, "interruption_level")) {
	case "passive":
		d.priority = model.PriorityLow
	case "time-sensitive", "timesensitive", "time_sensitive":
		d.priority = model.PriorityHigh
	case "critical":
		d.priority = model.PriorityCritical
	default:
		d.priority = model.PriorityNormal
	}
	if cat := str(p, "category"); cat != "" {
		d.meta["category"] = cat
	}
	if th := str(p, "thread_id"); th != "" {
		d.meta["thread"] = th
	}
	return d, nil
}

// decodeWindows maps a toast notification: the first text line is the title.
func decodeWindows(p map[string]any) (decoded, error) {
	d := decoded{
		app:  firstNonEmpty(str(p, "app_id"), str(p, "display_name")),
		meta: map[string]any{},
	}
	lines := strList(p["text"])
	if len(lines) > 0 {
		d.title = lines[0]
		d.body = strings.Join(lines[1:], "\n")
	}
	if name := str(p, "display_name"); name != "" && name != d.app {
		d.meta["app_name"] = name
	}
	switch strings.ToLower(str(p, "scenario")) {
	case "alarm", "incomingcall", "incoming_call":
		d.priority = model.PriorityCritical
	case "urgent":
		d.priority = model.PriorityHigh
	case "reminder":
		d.priority = model.PriorityNormal
	default:
		d.priority = model.PriorityNormal
		if strings.EqualFold(str(p, "priority"), "high") {
			d.priority = model.PriorityHigh
		}
	}
	if tag := str(p, "tag"); tag != "" {
		d.meta["tag"] = tag
	}
	if grp := str(p, "group"); grp != "" {
		d.meta["category"] = grp
	}
	return d, nil
}

// decodeGeneric accepts canonical field names; used by tests and custom shims.
func decodeGeneric(p map[string]any) (decoded, error) {
	d := decoded{
		app:   firstNonEmpty(str(p, "source_application"), str(p, "app")),
		title: str(p, "title"),
		body:  str(p, "body"),
		meta:  map[string]any{},
	}
	pr, err := model.ParsePriority(str(p, "priority"))
	if err != nil {
		return decoded{}, &MalformedEventError{Platform: PlatformGeneric, Field: "priority", Reason: err.Error()}
	}
	d.priority = pr
	if m, ok := p["metadata"].(map[string]any); ok {
		for k, v := range m {
			d.meta[k] = v
		}
	}
	return d, nil
}

func str(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

func num(p map[string]any, key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}

func strList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if x == "" {
			return nil
		}
		return []string{x}
	default:
		return nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
