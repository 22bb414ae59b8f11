package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// compiled is one rule ready for evaluation. A non-nil fault makes it inert.
type compiled struct {
	rule  Rule
	name  string
	order int

	apps   map[string]struct{}
	re     *regexp.Regexp
	fields []string
	win    *window

	fault error
}

type window struct {
	start, end int // minutes since midnight
	days       map[time.Weekday]bool
	loc        *time.Location
}

// RuleSet is an immutable compiled rule set.
type RuleSet struct {
	source   []Rule
	all      []*compiled // enabled rules, sorted by (priority, declaration order)
	byApp    map[string][]int
	generic  []int
	maxBytes int
}

// Compile builds a RuleSet. It never fails as a whole: a rule that cannot be
// compiled stays in the set as a faulty entry and its error is returned.
func Compile(rules []Rule) (*RuleSet, []error) {
	return compileWith(rules, 0)
}

func compileWith(rules []Rule, maxBytes int) (*RuleSet, []error) {
	rs := &RuleSet{
		source:   CloneRules(rules),
		byApp:    map[string][]int{},
		maxBytes: maxBytes,
	}
	var errs []error
	for i, r := range rs.source {
		c := compileRule(r, i)
		if c.fault != nil {
			errs = append(errs, &EvaluationError{Rule: c.name, Err: c.fault})
		}
		if !r.Enabled {
			continue
		}
		rs.all = append(rs.all, c)
	}
	sort.SliceStable(rs.all, func(i, j int) bool {
		if rs.all[i].rule.Priority != rs.all[j].rule.Priority {
			return rs.all[i].rule.Priority < rs.all[j].rule.Priority
		}
		return rs.all[i].order < rs.all[j].order
	})
	for pos, c := range rs.all {
		if c.fault == nil && c.apps != nil {
			for app := range c.apps {
				rs.byApp[app] = append(rs.byApp[app], pos)
			}
			continue
		}
		rs.generic = append(rs.generic, pos)
	}
	return rs, errs
}

// Rules returns a copy of the source rules, including disabled ones.
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	return CloneRules(rs.source)
}

// Len reports the number of enabled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.all)
}

func compileRule(r Rule, order int) *compiled {
	c := &compiled{rule: r, name: r.label(), order: order}
	switch r.Action {
	case ActionAllow, ActionBlock, ActionModify:
	default:
		c.fault = fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
		return c
	}
	switch r.Type {
	case TypeApplication:
		c.apps = make(map[string]struct{}, len(r.Applications))
		for _, a := range r.Applications {
			if a = normApp(a); a != "" {
				c.apps[a] = struct{}{}
			}
		}
		if len(c.apps) == 0 {
			c.apps = nil
			c.fault = fmt.Errorf("%w: no applications", ErrEmptyCondition)
		}
	case TypeContent:
		c.fault = c.compileContent(r)
	case TypeTime:
		c.win, c.fault = compileWindow(r)
	default:
		c.fault = fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
	return c
}

func (c *compiled) compileContent(r Rule) error {
	if r.Pattern == "" {
		return fmt.Errorf("%w: no pattern", ErrEmptyCondition)
	}
	if len(r.Pattern) > MaxPatternBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPatternTooLong, len(r.Pattern), MaxPatternBytes)
	}
	expr := r.Pattern
	if r.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	c.re = re
	for _, f := range r.Fields {
		switch f = strings.ToLower(strings.TrimSpace(f)); f {
		case "title", "body":
			c.fields = append(c.fields, f)
		default:
			return fmt.Errorf("unknown field %q", f)
		}
	}
	if len(c.fields) == 0 {
		c.fields = []string{"title", "body"}
	}
	return nil
}

func compileWindow(r Rule) (*window, error) {
	start, err := parseClock(r.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := parseClock(r.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	w := &window{start: start, end: end, loc: time.Local}
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
		w.loc = loc
	}
	if len(r.Weekdays) > 0 {
		w.days = make(map[time.Weekday]bool, len(r.Weekdays))
		for _, d := range r.Weekdays {
			wd, ok := parseWeekday(d)
			if !ok {
				return nil, fmt.Errorf("unknown weekday %q", d)
			}
			w.days[wd] = true
		}
	}
	return w, nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 24 || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return hh*60 + mm, nil
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}

func normApp(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
