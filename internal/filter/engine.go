package filter

import (
	"sync/atomic"
	"time"

	"notifrelay/internal/model"
)

type Options struct {
	// MaxTextBytes caps the text a content pattern scans. 0 means unbounded.
	MaxTextBytes int
	Now          func() time.Time
}

// Engine holds the active rule set. Updates swap the whole set atomically, so
// concurrent evaluations always see one consistent generation.
type Engine struct {
	cur  atomic.Pointer[RuleSet]
	opts Options
}

func NewEngine(rules []Rule, opts Options) (*Engine, []error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{opts: opts}
	errs := e.Update(rules)
	return e, errs
}

// Update compiles and installs rules. Faulty rules are installed as inert
// entries; their errors are returned for reporting.
func (e *Engine) Update(rules []Rule) []error {
	rs, errs := compileWith(rules, e.opts.MaxTextBytes)
	e.cur.Store(rs)
	return errs
}

func (e *Engine) Rules() []Rule { return e.cur.Load().Rules() }

func (e *Engine) RuleSet() *RuleSet { return e.cur.Load() }

func (e *Engine) Evaluate(ev model.NotificationEvent) Decision {
	return e.cur.Load().Evaluate(ev, e.opts.Now())
}
