package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/bitgate/internal/authz"
	"github.com/roach88/bitgate/internal/band"
	"github.com/roach88/bitgate/internal/config"
	"github.com/roach88/bitgate/internal/doctrine"
	"github.com/roach88/bitgate/internal/hub"
	"github.com/roach88/bitgate/internal/intake"
	"github.com/roach88/bitgate/internal/ir"
	"github.com/roach88/bitgate/internal/lock"
	"github.com/roach88/bitgate/internal/registry"
	"github.com/roach88/bitgate/internal/retry"
	"github.com/roach88/bitgate/internal/store"
	"github.com/roach88/bitgate/internal/warehouse"
)

// MetaDoctrineHash is the meta key holding the hash of the doctrine the
// store was last opened with.
const MetaDoctrineHash = "doctrine_hash"

// System is a fully wired bitgate instance.
type System struct {
	Config   config.Config
	Doctrine *doctrine.Doctrine
	Store    *store.Store
	Registry *registry.Registry
	Queue    *intake.Queue
	Bands    *band.Engine
	Gate     *authz.Gate
	Retry    *retry.Manager
	Hubs     *hub.Orchestrator
	Runtime  *Runtime
	Clock    ir.Clock
	Logger   *slog.Logger

	closers []func()
}

type systemDeps struct {
	clock    ir.Clock
	ids      ir.IDGenerator
	notifier retry.Notifier
	logger   *slog.Logger
	doctrine *doctrine.Doctrine
}

// SystemOption replaces one of the system's defaults.
type SystemOption func(*systemDeps)

// WithClock replaces the wall clock, e.g. with a fake clock in scenarios.
func WithClock(c ir.Clock) SystemOption {
	return func(d *systemDeps) { d.clock = c }
}

// WithIDs replaces the UUIDv7 id generator.
func WithIDs(g ir.IDGenerator) SystemOption {
	return func(d *systemDeps) { d.ids = g }
}

// WithNotifier replaces the log notifier used for escalations.
func WithNotifier(n retry.Notifier) SystemOption {
	return func(d *systemDeps) { d.notifier = n }
}

// WithLogger sets the logger every component logs to.
func WithLogger(l *slog.Logger) SystemOption {
	return func(d *systemDeps) { d.logger = l }
}

// WithDoctrine uses an already compiled doctrine instead of loading
// cfg.DoctrineDir.
func WithDoctrine(doc *doctrine.Doctrine) SystemOption {
	return func(d *systemDeps) { d.doctrine = doc }
}

// Open wires a system from cfg. The caller must Close it.
func Open(ctx context.Context, cfg config.Config, opts ...SystemOption) (sys *System, err error) {
	deps := systemDeps{
		clock:  ir.SystemClock{},
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.notifier == nil {
		deps.notifier = retry.NewLogNotifier(deps.logger)
	}

	doc := deps.doctrine
	if doc == nil {
		if doc, err = doctrine.Load(cfg.DoctrineDir); err != nil {
			return nil, fmt.Errorf("load doctrine: %w", err)
		}
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	sys = &System{Config: cfg, Doctrine: doc, Store: st, Clock: deps.clock, Logger: deps.logger}
	defer func() {
		if err != nil {
			sys.Close()
			sys = nil
		}
	}()

	if err := st.SetMeta(ctx, MetaDoctrineHash, doc.Hash); err != nil {
		return nil, err
	}

	sys.Registry = registry.New(st, deps.clock)
	if err := sys.Registry.Seed(ctx, doc.Signals); err != nil {
		return nil, err
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Lock.Backend == config.LockRedis {
		client, err := lock.DialRedis(ctx, cfg.Lock.RedisAddr)
		if err != nil {
			return nil, err
		}
		sys.closers = append(sys.closers, func() { client.Close() })
		locker = lock.NewRedis(client, cfg.Lock.TTL)
	}

	sys.Queue = intake.New(st, sys.Registry, deps.clock, deps.ids, intake.Options{
		Partitions:        cfg.Ingest.Partitions,
		MaxDepth:          cfg.Ingest.MaxDepth,
		MaxAttempts:       cfg.Ingest.MaxAttempts,
		Lease:             cfg.Ingest.Lease,
		SourceQuota:       cfg.Ingest.SourceQuota,
		SourceQuotaWindow: cfg.Ingest.SourceQuotaWindow,
	})
	sys.Bands = band.New(st, sys.Registry, doc, deps.clock,
		band.WithLocker(locker), band.WithLogger(deps.logger))
	sys.Gate = authz.New(st, doc, deps.clock, deps.ids, deps.logger)

	sys.Retry = retry.New(st, deps.clock, deps.ids, doc.Retention, retry.Options{
		BaseBackoff:        cfg.Retry.BaseBackoff,
		MaxBackoff:         cfg.Retry.MaxBackoff,
		EscalationInterval: cfg.Sweeps.EscalationInterval,
	})
	sys.Retry.SetLogger(deps.logger)
	sys.Retry.SetNotifier(deps.notifier)
	if cfg.Warehouse.DSN != "" {
		sink, err := warehouse.Open(ctx, cfg.Warehouse.DSN)
		if err != nil {
			return nil, err
		}
		sys.closers = append(sys.closers, sink.Close)
		sys.Retry.AddSink(sink)
	}

	sys.Hubs = hub.New(st, doc, sys.Retry, deps.clock, deps.ids,
		hub.WithSignals(sys.Queue), hub.WithLocker(locker), hub.WithLogger(deps.logger))
	if err := sys.Hubs.Register(ctx); err != nil {
		return nil, err
	}

	sys.Runtime = NewRuntime(sys.Queue, sys.Bands, sys.Hubs, sys.Retry, Options{
		BatchSize:       cfg.Ingest.BatchSize,
		PollInterval:    cfg.Ingest.PollInterval,
		HubInterval:     cfg.Sweeps.HubInterval,
		RetryInterval:   cfg.Sweeps.RetryInterval,
		DecayInterval:   cfg.Sweeps.DecayInterval,
		ArchiveInterval: cfg.Sweeps.ArchiveInterval,
	}, deps.logger)

	deps.logger.Debug("system ready", "database", cfg.Database,
		"doctrine_version", doc.Version, "doctrine_hash", doc.Hash, "lock", cfg.Lock.Backend)
	return sys, nil
}

// Close releases every resource the system opened.
func (s *System) Close() error {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}
