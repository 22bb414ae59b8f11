package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"notifrelay/internal/filter"
	"notifrelay/internal/storage"
	logx "notifrelay/pkg/logx"
)

// rulesKey holds the operator's rule set as JSON.
const rulesKey = "filter/rules"

// ruleStore keeps the filter engine and its persisted copy in step. Rules
// set through the admin API survive restarts; a changed filter section in
// the config file replaces them.
type ruleStore struct {
	mu     sync.Mutex
	engine *filter.Engine
	kv     storage.KV
	log    logx.Logger
}

func newRuleStore(engine *filter.Engine, kv storage.KV, log logx.Logger) *ruleStore {
	return &ruleStore{engine: engine, kv: kv, log: log}
}

func (r *ruleStore) Rules() []filter.Rule { return r.engine.Rules() }

// SetRules persists rules, then installs them. Faulty rules are installed
// inert and reported in the first return value.
func (r *ruleStore) SetRules(ctx context.Context, rules []filter.Rule) ([]error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	if err := r.kv.Put(ctx, rulesKey, b); err != nil {
		return nil, fmt.Errorf("persist rules: %w", err)
	}
	faults := r.engine.Update(rules)
	r.log.Info("filter rules replaced", logx.Int("rules", len(rules)), logx.Int("faulty", len(faults)))
	return faults, nil
}

// restore installs the persisted rule set, if any. It reports whether one
// was found.
func (r *ruleStore) restore(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok, err := r.kv.Get(ctx, rulesKey)
	if err != nil || !ok {
		return false, err
	}
	var rules []filter.Rule
	if err := json.Unmarshal(b, &rules); err != nil {
		return false, fmt.Errorf("decode %s: %w", rulesKey, err)
	}
	faults := r.engine.Update(rules)
	for _, f := range faults {
		r.log.Warn("stored filter rule is faulty", logx.Err(f))
	}
	return true, nil
}
