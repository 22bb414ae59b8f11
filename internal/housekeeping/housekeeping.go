// Package housekeeping runs the relay's periodic maintenance on cron
// schedules: ack tombstone pruning, dead-letter retention and storage
// compaction.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifrelay/internal/queue"
	"notifrelay/internal/storage"
	logx "notifrelay/pkg/logx"
)

// Config holds cron specs ("@every 1m", "0 3 * * *", ...). An empty spec
// disables the job.
type Config struct {
	Timezone string

	AckPrune string
	// DeadLetterSweep purges dead items older than DeadLetterRetention.
	DeadLetterSweep     string
	DeadLetterRetention time.Duration
	Compact             string

	JobTimeout time.Duration
}

// DefaultDeadLetterSweep is used when a retention is set without a schedule.
const DefaultDeadLetterSweep = "@hourly"

// DefaultConfig keeps dead letters until an operator purges them or sets a
// retention.
func DefaultConfig() Config {
	return Config{
		AckPrune:        "@every 1m",
		DeadLetterSweep: "off",
		Compact:         "@every 6h",
		JobTimeout:      time.Minute,
	}
}

// Queue is the maintenance surface of the delivery queue.
type Queue interface {
	PruneAcked(now time.Time) int
	AllStats() []queue.Stats
	PurgeDeadLetter(ctx context.Context, target string, olderThan time.Time) int
}

type Service struct {
	q     Queue
	store storage.KV
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	ctx    context.Context
	parser cron.Parser
	runs   map[string]int
}

func New(cfg Config, q Queue, store storage.KV, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		q:      q,
		store:  store,
		log:    log,
		now:    time.Now,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		runs:   map[string]int{},
	}
}

// Validate checks every spec and the timezone.
func (s *Service) Validate(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	for name, spec := range specs(cfg) {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("housekeeping.%s: %w", name, err)
		}
	}
	return nil
}

// specs returns the enabled jobs. An empty or "off" spec disables a job.
func specs(cfg Config) map[string]string {
	out := map[string]string{}
	for name, spec := range map[string]string{
		"ack_prune":       cfg.AckPrune,
		"dead_letter":     cfg.DeadLetterSweep,
		"storage_compact": cfg.Compact,
	} {
		spec = strings.TrimSpace(spec)
		if spec == "" || strings.EqualFold(spec, "off") {
			continue
		}
		out[name] = spec
	}
	return out
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("housekeeping.timezone: %w", err)
	}
	return loc, nil
}

// Start registers the jobs and starts triggering. ctx bounds job runs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	jobs := map[string]func(context.Context){
		"ack_prune":       s.pruneAcks,
		"dead_letter":     s.sweepDeadLetter,
		"storage_compact": s.compact,
	}
	for name, spec := range specs(s.cfg) {
		if _, err := s.c.AddJob(spec, s.job(name, jobs[name])); err != nil {
			s.c = nil
			return fmt.Errorf("housekeeping.%s: %w", name, err)
		}
	}
	s.c.Start()
	s.log.Info("housekeeping started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.c.Entries())))
	return nil
}

// Apply swaps the config and re-registers the jobs when running.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	// Running jobs take s.mu; wait for them without holding it.
	<-c.Stop().Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Runs reports how many times each job has completed.
func (s *Service) Runs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.runs))
	for k, v := range s.runs {
		out[k] = v
	}
	return out
}

func (s *Service) job(name string, fn func(context.Context)) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		base, timeout := s.ctx, s.cfg.JobTimeout
		s.mu.Unlock()
		if base == nil {
			base = context.Background()
		}
		if timeout <= 0 {
			timeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()
		fn(ctx)
		s.mu.Lock()
		s.runs[name]++
		s.mu.Unlock()
	})
}

func (s *Service) pruneAcks(context.Context) {
	if n := s.q.PruneAcked(s.now()); n > 0 {
		s.log.Debug("ack tombstones pruned", logx.Int("count", n))
	}
}

func (s *Service) sweepDeadLetter(ctx context.Context) {
	s.mu.Lock()
	keep := s.cfg.DeadLetterRetention
	s.mu.Unlock()
	if keep <= 0 {
		return
	}
	cutoff := s.now().Add(-keep)
	total := 0
	for _, st := range s.q.AllStats() {
		if st.Dead == 0 {
			continue
		}
		total += s.q.PurgeDeadLetter(ctx, st.Target, cutoff)
	}
	if total > 0 {
		s.log.Info("expired dead letters purged", logx.Int("count", total), logx.Duration("retention", keep))
	}
}

func (s *Service) compact(ctx context.Context) {
	c, ok := s.store.(storage.Compactor)
	if !ok {
		return
	}
	start := time.Now()
	if err := c.Compact(ctx); err != nil {
		s.log.Warn("storage compaction failed", logx.Err(err))
		return
	}
	s.log.Debug("storage compacted", logx.Duration("took", time.Since(start)))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
