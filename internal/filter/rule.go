// Package filter decides, per event, whether a notification is forwarded,
// blocked or rewritten.
//
// Rules are compiled once into a RuleSet and evaluated as a pure function of
// (event, rule set, now). Application rules are indexed by application so a
// rule set of hundreds of rules only visits the candidates that can match.
package filter

import (
	"fmt"
	"strings"
)

type Type string

const (
	TypeApplication Type = "application"
	TypeContent     Type = "content"
	TypeTime        Type = "time"
)

type Action string

const (
	ActionAllow  Action = "allow"
	ActionBlock  Action = "block"
	ActionModify Action = "modify"
)

const (
	// MaxPatternBytes bounds content rule patterns; longer patterns are faulty.
	MaxPatternBytes = 1024

	DefaultReplacement = "[redacted]"
)

// Rule is the operator-facing rule definition (config file and admin API).
type Rule struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Action   Action `json:"action"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`

	// application
	Applications []string `json:"applications,omitempty"`

	// content
	Pattern         string   `json:"pattern,omitempty"`
	Fields          []string `json:"fields,omitempty"` // title, body (default both)
	CaseInsensitive bool     `json:"case_insensitive,omitempty"`
	Replacement     string   `json:"replacement,omitempty"`

	// time
	Start    string   `json:"start,omitempty"` // HH:MM
	End      string   `json:"end,omitempty"`   // HH:MM, exclusive
	Weekdays []string `json:"weekdays,omitempty"`
	Timezone string   `json:"timezone,omitempty"`

	// modify payload for application and time rules
	SetTitle *string `json:"set_title,omitempty"`
	SetBody  *string `json:"set_body,omitempty"`
}

func (r Rule) label() string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return fmt.Sprintf("%s/%s@%d", r.Type, r.Action, r.Priority)
}

// CloneRules deep-copies rules so callers cannot mutate a compiled set's source.
func CloneRules(in []Rule) []Rule {
	if in == nil {
		return nil
	}
	out := make([]Rule, len(in))
	for i, r := range in {
		r.Applications = append([]string(nil), r.Applications...)
		r.Fields = append([]string(nil), r.Fields...)
		r.Weekdays = append([]string(nil), r.Weekdays...)
		if r.SetTitle != nil {
			v := *r.SetTitle
			r.SetTitle = &v
		}
		if r.SetBody != nil {
			v := *r.SetBody
			r.SetBody = &v
		}
		out[i] = r
	}
	return out
}
