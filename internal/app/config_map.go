package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"notifrelay/internal/admin"
	"notifrelay/internal/alert"
	"notifrelay/internal/alert/telegram"
	"notifrelay/internal/config"
	"notifrelay/internal/dispatch"
	"notifrelay/internal/filter"
	"notifrelay/internal/housekeeping"
	"notifrelay/internal/ingest"
	"notifrelay/internal/model"
	"notifrelay/internal/pipeline"
	"notifrelay/internal/queue"
	"notifrelay/internal/registry"
	"notifrelay/internal/storage"
	"notifrelay/internal/transport/grpcstream"
	logx "notifrelay/pkg/logx"
)

const (
	defaultTransportAddr = ":7443"
	defaultWorkers       = 2
	defaultStoragePath   = "./relay-state.json"
)

// settings is a config file mapped onto component configs.
type settings struct {
	log logx.Config

	intakeCapacity int
	submitWait     time.Duration
	workers        int
	normalizer     ingest.Config

	rules        []filter.Rule
	maxTextBytes int

	queue        queue.Config
	storeTimeout time.Duration
	dispatch     dispatch.Config
	registry     registry.Config
	transport    grpcstream.Config

	targets []pipeline.Target
	tokens  map[string]string

	storage      storage.Config
	admin        admin.Config
	housekeeping housekeeping.Config

	alerts alert.Config
	// telegram is nil when Telegram alerts are disabled.
	telegram *telegram.Config

	systemd config.SystemdConfig
}

// mapConfig validates cfg and maps every section. All problems are reported
// together.
func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var (
		s    settings
		errs []error
		d    config.Durations
	)
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	// logging
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		bad("logging.level: unknown level %q", lvl)
	}
	if lvl := strings.TrimSpace(cfg.Logging.Alerts.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		bad("logging.alerts.min_level: unknown level %q", lvl)
	}
	s.log = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}

	// ingest
	if cfg.Ingest.Capacity < 0 || cfg.Ingest.Workers < 0 || cfg.Ingest.MaxContentBytes < 0 {
		bad("ingest: capacity, workers and max_content_bytes must be >= 0")
	}
	s.intakeCapacity = cfg.Ingest.Capacity
	s.submitWait = d.Get("ingest.submit_wait", cfg.Ingest.SubmitWait, 0)
	s.workers = cfg.Ingest.Workers
	if s.workers == 0 {
		s.workers = defaultWorkers
	}
	s.normalizer = ingest.Config{MaxContentBytes: cfg.Ingest.MaxContentBytes}

	// filter; faulty rules are installed inert, so they are not an error here
	s.rules = filter.CloneRules(cfg.Filter.Rules)
	s.maxTextBytes = cfg.Filter.MaxTextBytes

	// queue
	q := cfg.Queue
	if q.MaxDepth < 0 || q.MaxAttempts < 0 {
		bad("queue: max_depth and max_attempts must be >= 0")
	}
	if q.BackoffFactor != 0 && q.BackoffFactor < 1 {
		bad("queue.backoff_factor: must be >= 1")
	}
	jitter := -1.0 // unset keeps the queue default
	if q.BackoffJitter != nil {
		jitter = *q.BackoffJitter
		if jitter < 0 || jitter >= 1 {
			bad("queue.backoff_jitter: must be in [0,1)")
		}
	}
	s.queue = queue.Config{
		MaxDepth:    q.MaxDepth,
		MaxAttempts: q.MaxAttempts,
		Backoff: queue.Backoff{
			Base:   d.Get("queue.backoff_base", q.BackoffBase, 0),
			Factor: q.BackoffFactor,
			Max:    d.Get("queue.backoff_max", q.BackoffMax, 0),
			Jitter: jitter,
		},
		AckRetention: d.Get("queue.ack_retention", q.AckRetention, 0),
	}
	s.storeTimeout = d.Get("queue.store_timeout", q.StoreTimeout, 0)

	// dispatch
	if cfg.Dispatch.RatePerSec < 0 || cfg.Dispatch.Burst < 0 {
		bad("dispatch: rate_per_sec and burst must be >= 0")
	}
	s.dispatch = dispatch.Config{
		SendTimeout: d.Get("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 0),
		AckTimeout:  d.Get("dispatch.ack_timeout", cfg.Dispatch.AckTimeout, 0),
		RatePerSec:  cfg.Dispatch.RatePerSec,
		Burst:       cfg.Dispatch.Burst,
	}

	// registry
	s.registry = registry.Config{
		HeartbeatTimeout: d.Get("registry.heartbeat_timeout", cfg.Registry.HeartbeatTimeout, 0),
		SweepInterval:    d.Get("registry.sweep_interval", cfg.Registry.SweepInterval, 0),
	}

	// transport
	t := cfg.Transport
	if (t.TLSCert == "") != (t.TLSKey == "") {
		bad("transport: tls_cert and tls_key must be set together")
	}
	s.transport = grpcstream.Config{
		Addr:         strings.TrimSpace(t.Addr),
		TLSCert:      t.TLSCert,
		TLSKey:       t.TLSKey,
		HelloTimeout: d.Get("transport.hello_timeout", t.HelloTimeout, 0),
		Keepalive:    d.Get("transport.keepalive", t.Keepalive, 0),
	}
	if s.transport.Addr == "" {
		s.transport.Addr = defaultTransportAddr
	}

	// devices
	s.tokens = make(map[string]string, len(cfg.Devices))
	for i, dev := range cfg.Devices {
		id := strings.TrimSpace(dev.ID)
		if id == "" {
			bad("devices[%d].id: required", i)
			continue
		}
		if _, dup := s.tokens[id]; dup {
			bad("devices[%d].id: duplicate %q", i, id)
			continue
		}
		minPrio := model.PriorityLow
		if strings.TrimSpace(dev.MinPriority) != "" {
			p, err := model.ParsePriority(dev.MinPriority)
			if err != nil {
				bad("devices[%d].min_priority: %v", i, err)
			}
			minPrio = p
		}
		s.tokens[id] = dev.Token
		s.targets = append(s.targets, pipeline.Target{ID: id, MinPriority: minPrio})
	}

	// storage
	sc, err := mapStorageConfig(cfg.Storage, &d)
	if err != nil {
		errs = append(errs, err)
	}
	s.storage = sc

	// admin
	a := cfg.Admin
	s.admin = admin.Config{
		Enabled:              a.Enabled,
		Addr:                 strings.TrimSpace(a.Addr),
		Token:                strings.TrimSpace(a.Token),
		AllowInsecure:        a.AllowInsecure,
		Pprof:                a.Pprof,
		ReadTimeout:          d.Get("admin.read_timeout", a.ReadTimeout, 10*time.Second),
		WriteTimeout:         d.Get("admin.write_timeout", a.WriteTimeout, 30*time.Second),
		IdleTimeout:          d.Get("admin.idle_timeout", a.IdleTimeout, 60*time.Second),
		MutexProfileFraction: a.MutexProfileFraction,
		BlockProfileRate:     a.BlockProfileRate,
	}
	if s.admin.Addr == "" {
		s.admin.Addr = admin.DefaultAddr
	}

	// housekeeping; cron specs are checked by the service itself
	hk := housekeeping.DefaultConfig()
	h := cfg.Housekeeping
	hk.Timezone = strings.TrimSpace(h.Timezone)
	if v := strings.TrimSpace(h.AckPrune); v != "" {
		hk.AckPrune = v
	}
	if v := strings.TrimSpace(h.DeadLetterSweep); v != "" {
		hk.DeadLetterSweep = v
	}
	if v := strings.TrimSpace(h.Compact); v != "" {
		hk.Compact = v
	}
	hk.DeadLetterRetention = d.Get("housekeeping.dead_letter_retention", h.DeadLetterRetention, 0)
	if hk.DeadLetterRetention > 0 && strings.TrimSpace(h.DeadLetterSweep) == "" {
		hk.DeadLetterSweep = housekeeping.DefaultDeadLetterSweep
	}
	s.housekeeping = hk

	// alerts
	if cfg.Alerts.RatePerMin < 0 {
		bad("alerts.rate_per_min: must be >= 0")
	}
	s.alerts = alert.Config{RatePerMin: cfg.Alerts.RatePerMin}
	if tg := cfg.Alerts.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			bad("alerts.telegram.token: required when enabled (or RELAY_TELEGRAM_TOKEN)")
		}
		if tg.ChatID == 0 {
			bad("alerts.telegram.chat_id: required when enabled")
		}
		s.telegram = &telegram.Config{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID, APIURL: tg.APIURL}
	}

	s.systemd = cfg.Systemd

	if err := d.Err(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return settings{}, errors.Join(errs...)
	}
	return s, nil
}

func mapStorageConfig(sc config.StorageConfig, d *config.Durations) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	out := storage.Config{
		Driver:       driver,
		Path:         path,
		CompactEvery: sc.CompactEvery,
		NoSync:       sc.NoSync,
	}
	switch driver {
	case "":
		out.Driver = "file"
		if path == "" {
			out.Path = defaultStoragePath
		}
	case "memory", "mem":
		out.Driver = "memory"
	case "file":
		if path == "" {
			return out, errors.New("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return out, errors.New("storage.path is required when storage.driver=sqlite")
		}
		out.BusyTimeout = d.Get("storage.busy_timeout", sc.BusyTimeout, time.Second)
	case "redis":
		if strings.TrimSpace(sc.Redis.URL) == "" {
			return out, errors.New("storage.redis.url is required when storage.driver=redis (or RELAY_REDIS_URL)")
		}
		out.Redis = storage.RedisConfig{
			URL:            strings.TrimSpace(sc.Redis.URL),
			Password:       sc.Redis.Password,
			Prefix:         sc.Redis.Prefix,
			ConnectTimeout: d.Get("storage.redis.connect_timeout", sc.Redis.ConnectTimeout, 5*time.Second),
		}
	default:
		return out, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}
