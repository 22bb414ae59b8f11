package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"

	"notifrelay/internal/admin"
	"notifrelay/internal/alert"
	"notifrelay/internal/alert/telegram"
	"notifrelay/internal/config"
	"notifrelay/internal/dispatch"
	"notifrelay/internal/eventbus"
	"notifrelay/internal/filter"
	"notifrelay/internal/housekeeping"
	"notifrelay/internal/ingest"
	"notifrelay/internal/metrics"
	"notifrelay/internal/pipeline"
	"notifrelay/internal/queue"
	"notifrelay/internal/registry"
	rtsup "notifrelay/internal/runtime/supervisor"
	"notifrelay/internal/storage"
	"notifrelay/internal/transport"
	"notifrelay/internal/transport/grpcstream"
	logx "notifrelay/pkg/logx"
	"notifrelay/pkg/systemd"
)

const transportGrace = 5 * time.Second

// App wires the relay: intake -> pipeline (normalize, filter, fan out) ->
// per-target queues -> dispatch workers -> device streams, plus the admin
// API, metrics, alerts and housekeeping around them.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	sd   *systemd.Notifier

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.KV

	intake  *ingest.Intake
	filter  *filter.Engine
	rules   *ruleStore
	queue   *queue.Manager
	reg     *registry.Registry
	disp    *dispatch.Dispatcher
	acks    *dispatch.AckTracker
	devices *transport.Devices
	pipe    *pipeline.Pipeline
	grpc    *grpcstream.Server
	metrics *metrics.Metrics
	admin   *admin.Service
	house   *housekeeping.Service
	alerts  *alert.Notifier

	// guarded by applyMu
	applyMu sync.Mutex
	set     settings
	cfg     *config.Config

	pipeCancel context.CancelFunc
	pipeDone   <-chan struct{}
	grpcCancel context.CancelFunc
	grpcDone   <-chan struct{}
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	var tg *telegram.Sender
	if set.telegram != nil {
		if tg, err = telegram.New(*set.telegram); err != nil {
			return nil, fmt.Errorf("alerts.telegram: %w", err)
		}
	}
	logSvc, root := logx.New(set.log, alerterOrNil(tg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	bus := eventbus.New()

	store, err := storage.Open(ctx, set.storage, comp("storage"))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", set.storage.Driver), logx.String("path", set.storage.Path))
	if set.storage.Driver == "memory" {
		log.Warn("memory storage: queued items are lost on restart")
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(comp("supervisor")), rtsup.WithCancelOnError(true))

	q := queue.New(set.queue, queue.Options{Store: store, Log: comp("queue"), Bus: bus, StoreTimeout: set.storeTimeout})
	rep, err := q.Load(ctx)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, fmt.Errorf("queue load: %w", err)
	}
	log.Info("queue restored",
		logx.Int("pending", rep.Pending),
		logx.Int("dead", rep.Dead),
		logx.Int("duplicates", rep.Duplicates),
		logx.Int("corrupt", rep.Corrupt),
	)

	engine, faults := filter.NewEngine(set.rules, filter.Options{MaxTextBytes: set.maxTextBytes})
	for _, f := range faults {
		log.Warn("filter rule is faulty", logx.Err(f))
	}
	rules := newRuleStore(engine, store, comp("filter"))
	if restored, err := rules.restore(ctx); err != nil {
		log.Warn("stored filter rules unreadable; using config rules", logx.Err(err))
	} else if restored {
		log.Info("filter rules restored from storage", logx.Int("rules", len(engine.Rules())))
	}

	reg := registry.New(set.registry, registry.Options{Log: comp("registry"), Bus: bus})
	disp := dispatch.New(set.dispatch, q, reg, sup, dispatch.Options{Log: comp("dispatch"), Bus: bus})
	acks := dispatch.NewAckTracker(q, dispatch.Options{Log: comp("ack"), Bus: bus})
	devices := transport.NewDevices(set.tokens)

	intake := ingest.NewIntake(set.intakeCapacity, set.submitWait)
	pipe := pipeline.New(intake, ingest.NewNormalizer(set.normalizer), engine, q, disp, reg,
		pipeline.Options{Log: comp("pipeline"), Bus: bus, Workers: set.workers})

	m := metrics.New(q, reg, bus.Dropped)

	gs, err := grpcstream.NewServer(set.transport, reg, dispatch.Inbound{Acks: acks, Heartbeats: reg}, devices,
		grpcstream.Options{
			Log:                comp("transport"),
			StreamInterceptors: []grpc.StreamServerInterceptor{m.StreamServerInterceptor()},
		})
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		sup:     sup,
		sd:      systemd.New(set.systemd.Notify),
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		intake:  intake,
		filter:  engine,
		rules:   rules,
		queue:   q,
		reg:     reg,
		disp:    disp,
		acks:    acks,
		devices: devices,
		pipe:    pipe,
		grpc:    gs,
		metrics: m,
		house:   housekeeping.New(set.housekeeping, q, store, comp("housekeeping")),
		alerts:  alert.New(set.alerts, bus, alerterOrNil(tg), comp("alerts")),
		set:     set,
		cfg:     cfg,
	}
	a.admin = admin.New(set.admin, admin.Deps{
		Queue:      q,
		Targets:    pairing{pipe: pipe, devices: devices},
		Rules:      rules,
		Normalizer: pipe,
		Intake:     intake,
		Conns:      reg,
		Dispatch:   disp,
		Runtime:    sup,
		Metrics:    m.Handler(),
		Health:     a.health,
	}, comp("admin"))
	return a, nil
}

// alerterOrNil keeps a nil *telegram.Sender from becoming a non-nil interface.
func alerterOrNil(s *telegram.Sender) alert.Sender {
	if s == nil {
		return nil
	}
	return s
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error { return a.sup.Err() }

func (a *App) health() error {
	if err := a.sup.Err(); err != nil {
		return err
	}
	return a.sup.Context().Err()
}

func (a *App) Start(ctx context.Context) error {
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		s, err := mapConfig(cfg)
		if err != nil {
			return err
		}
		return a.house.Validate(s.housekeeping)
	})

	a.reg.Observe(func(target string, connID uint64, reason registry.Reason) {
		a.log.Debug("device disconnected", logx.Target(target), logx.Uint64("conn", connID), logx.String("reason", string(reason)))
	})

	// Targets present in storage but no longer paired are discarded, the
	// same as removing them at runtime.
	added, _ := a.pipe.SetTargets(ctx, a.set.targets)
	paired := map[string]bool{}
	for _, t := range a.set.targets {
		paired[t.ID] = true
	}
	for _, t := range a.queue.Targets() {
		if !paired[t] {
			n, err := a.queue.RemoveTarget(ctx, t)
			a.log.Warn("discarding queue of unpaired target", logx.Target(t), logx.Int("items", n), logx.Err(err))
		}
	}
	a.log.Info("targets paired", logx.Int("count", len(added)))

	a.sup.Go("registry.sweep", a.reg.Run)
	a.sup.Go("metrics.bus", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.Go("alerts", a.alerts.Run)
	a.pipeCancel, a.pipeDone = a.sup.GoCancelable("pipeline", a.pipe.Run)
	a.grpcCancel, a.grpcDone = a.sup.GoCancelable("transport.grpc", func(c context.Context) error {
		return a.grpc.Run(c, transportGrace)
	})

	if err := a.house.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}
	a.admin.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: apply only the newest.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						drained = true
					}
				}
				a.apply(c, cfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.set.systemd.Notify && a.set.systemd.Watchdog {
		a.sup.Go("systemd.watchdog", func(c context.Context) error { return a.sd.RunWatchdog(c, a.health) })
	}
	if _, err := a.sd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	_, _ = a.sd.Status(fmt.Sprintf("relaying to %d targets", len(a.set.targets)))

	a.log.Info("relay started",
		logx.String("transport", a.set.transport.Addr),
		logx.Bool("admin", a.set.admin.Enabled),
	)
	return nil
}

// Reload re-reads the config file now (SIGHUP). Subscribers apply it.
func (a *App) Reload(ctx context.Context) error {
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config reload requested; no changes")
		return nil
	}
	return err
}

// apply hot-swaps everything that can change at runtime. Sections that need
// a restart are only logged.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	change := config.SummarizeChange(a.cfg, cfg)
	if change.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	s, err := mapConfig(cfg)
	if err != nil {
		a.log.Warn("config rejected after validation; keeping previous", logx.Err(err))
		return
	}
	changed := func(name string) bool {
		for _, v := range change.Sections {
			if v == name {
				return true
			}
		}
		return false
	}

	if changed("alerts") {
		var tg *telegram.Sender
		if s.telegram != nil {
			if tg, err = telegram.New(*s.telegram); err != nil {
				a.log.Warn("telegram alerts disabled", logx.Err(err))
				tg = nil
			}
		}
		a.logs.SetAlerter(alerterOrNil(tg))
		a.alerts.Apply(s.alerts, alerterOrNil(tg))
	}
	if changed("logging") {
		a.logs.Apply(s.log)
	}
	if changed("ingest") {
		a.pipe.SetNormalizer(ingest.NewNormalizer(s.normalizer))
		if s.intakeCapacity != a.set.intakeCapacity || s.workers != a.set.workers || s.submitWait != a.set.submitWait {
			a.log.Warn("ingest capacity, submit_wait and workers take effect after restart")
		}
	}
	if changed("filter") {
		faults, err := a.rules.SetRules(ctx, s.rules)
		if err != nil {
			a.log.Warn("filter rules not applied", logx.Err(err))
		}
		for _, f := range faults {
			a.log.Warn("filter rule is faulty", logx.Err(f))
		}
		if s.maxTextBytes != a.set.maxTextBytes {
			a.log.Warn("filter.max_text_bytes takes effect after restart")
		}
	}
	if changed("queue") {
		a.queue.Apply(s.queue)
	}
	if changed("dispatch") {
		a.disp.Apply(s.dispatch)
	}
	if changed("registry") {
		a.reg.Apply(s.registry)
	}
	if changed("devices") {
		a.devices.Set(s.tokens)
		added, removed := a.pipe.SetTargets(ctx, s.targets)
		if len(added) > 0 || len(removed) > 0 {
			a.log.Info("targets updated", logx.Any("added", added), logx.Any("removed", removed))
		}
	}
	if changed("admin") {
		a.admin.Reconfigure(ctx, s.admin)
	}
	if changed("housekeeping") {
		if err := a.house.Apply(s.housekeeping); err != nil {
			a.log.Warn("housekeeping config not applied", logx.Err(err))
		}
	}
	if len(change.Restart) > 0 {
		a.log.Warn("restart required for some changes", logx.String("sections", strings.Join(change.Restart, ",")))
		// keep the running values so the next diff is against them
		s.transport, s.storage, s.systemd = a.set.transport, a.set.storage, a.set.systemd
	}

	a.set = s
	a.cfg = cfg
	eventbus.Publish(a.bus, eventbus.ConfigReloaded, eventbus.ConfigEvent{Sections: change.Sections, Restart: change.Restart})
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts down in dependency order: no new input, drain the pipeline,
// release in-flight deliveries, then close the transport and storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("pipeline", 3*time.Second, func(c context.Context) error {
		// Closing the intake lets workers drain what is buffered, then exit.
		a.intake.Close()
		return waitOrCancel(c, a.pipeCancel, a.pipeDone)
	})
	step("dispatch", 2*time.Second, a.disp.Stop)
	step("transport", transportGrace+time.Second, func(c context.Context) error {
		// Run stops gracefully once its context ends.
		if a.grpcCancel == nil {
			return nil
		}
		a.grpcCancel()
		select {
		case <-a.grpcDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.house.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped",
		logx.Uint64("acks_ignored", a.acks.Ignored()),
		logx.Uint64("bus_dropped", a.bus.Dropped()),
	)
	return a.logs.Close()
}

// waitOrCancel waits for done; when ctx ends first it cancels and waits
// once more for the goroutine to notice.
func waitOrCancel(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(time.Second):
		return ctx.Err()
	}
}
