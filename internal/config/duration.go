package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Durations parses many duration fields and collects every error, so one
// reload reports all bad fields at once.
type Durations struct {
	errs []error
}

// Get parses raw; empty or zero values yield def.
func (d *Durations) Get(path, raw string, def time.Duration) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err))
		return def
	}
	if v < 0 {
		d.errs = append(d.errs, fmt.Errorf("%s: duration must be >= 0", path))
		return def
	}
	if v == 0 {
		return def
	}
	return v
}

func (d *Durations) Err() error { return errors.Join(d.errs...) }
