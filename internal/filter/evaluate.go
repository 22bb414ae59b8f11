package filter

import (
	"fmt"
	"time"

	"notifrelay/internal/model"
)

// Decision is the outcome of evaluating one event.
type Decision struct {
	// Action is block, allow, or modify when at least one modify rule applied
	// and no block rule matched.
	Action Action
	Event  model.NotificationEvent
	// Rule names the terminal allow/block rule; empty for the default allow.
	Rule     string
	Modified bool
	Applied  []string
	Faults   []error
}

// Forward reports whether the event should be delivered.
func (d Decision) Forward() bool { return d.Action != ActionBlock }

// Evaluate runs the enabled rules in ascending priority. The first matching
// allow or block ends evaluation; modify rules apply and evaluation continues.
// With no terminal match the event is allowed.
func (rs *RuleSet) Evaluate(ev model.NotificationEvent, now time.Time) Decision {
	d := Decision{Action: ActionAllow, Event: ev}
	if rs == nil || len(rs.all) == 0 {
		return d
	}
	appIdx := rs.byApp[normApp(ev.SourceApplication)]
	gen := rs.generic
	i, j := 0, 0
	for i < len(appIdx) || j < len(gen) {
		var pos int
		switch {
		case j >= len(gen) || (i < len(appIdx) && appIdx[i] < gen[j]):
			pos = appIdx[i]
			i++
		default:
			pos = gen[j]
			j++
		}
		c := rs.all[pos]
		ok, err := rs.match(c, d.Event, now)
		if err != nil {
			d.Faults = append(d.Faults, &EvaluationError{Rule: c.name, Err: err})
			continue
		}
		if !ok {
			continue
		}
		switch c.rule.Action {
		case ActionAllow, ActionBlock:
			d.Rule = c.name
			if c.rule.Action == ActionBlock {
				d.Action = ActionBlock
			}
			return d
		case ActionModify:
			next, err := rs.apply(c, d.Event)
			if err != nil {
				d.Faults = append(d.Faults, &EvaluationError{Rule: c.name, Err: err})
				continue
			}
			d.Event = next
			d.Modified = true
			d.Action = ActionModify
			d.Applied = append(d.Applied, c.name)
		}
	}
	return d
}

func (rs *RuleSet) match(c *compiled, ev model.NotificationEvent, now time.Time) (ok bool, err error) {
	if c.fault != nil {
		return false, c.fault
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	switch c.rule.Type {
	case TypeApplication:
		_, ok = c.apps[normApp(ev.SourceApplication)]
		return ok, nil
	case TypeContent:
		for _, f := range c.fields {
			if c.re.MatchString(rs.capText(field(ev, f))) {
				return true, nil
			}
		}
		return false, nil
	case TypeTime:
		return c.win.contains(now), nil
	}
	return false, nil
}

func (rs *RuleSet) apply(c *compiled, ev model.NotificationEvent) (out model.NotificationEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	title, body := ev.Title, ev.Body
	if c.rule.Type == TypeContent {
		repl := c.rule.Replacement
		if repl == "" {
			repl = DefaultReplacement
		}
		for _, f := range c.fields {
			switch f {
			case "title":
				title = c.re.ReplaceAllLiteralString(title, repl)
			case "body":
				body = c.re.ReplaceAllLiteralString(body, repl)
			}
		}
	}
	if c.rule.SetTitle != nil {
		title = *c.rule.SetTitle
	}
	if c.rule.SetBody != nil {
		body = *c.rule.SetBody
	}
	return ev.WithContent(title, body), nil
}

func (rs *RuleSet) capText(s string) string {
	if rs.maxBytes > 0 && len(s) > rs.maxBytes {
		return s[:rs.maxBytes]
	}
	return s
}

func field(ev model.NotificationEvent, name string) string {
	if name == "title" {
		return ev.Title
	}
	return ev.Body
}

// contains reports whether now falls inside the window. Overnight windows
// (start > end) belong to the weekday on which they started.
func (w *window) contains(now time.Time) bool {
	t := now.In(w.loc)
	m := t.Hour()*60 + t.Minute()
	day := t.Weekday()
	var in bool
	switch {
	case w.start == w.end:
		in = true
	case w.start < w.end:
		in = m >= w.start && m < w.end
	default:
		if m >= w.start {
			in = true
		} else if m < w.end {
			in = true
			day = (day + 6) % 7
		}
	}
	if !in {
		return false
	}
	return w.days == nil || w.days[day]
}
