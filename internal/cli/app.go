package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/bundle"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/fetch"
	"github.com/roach88/fieldsync/internal/logging"
	"github.com/roach88/fieldsync/internal/metrics"
	"github.com/roach88/fieldsync/internal/oplog"
	"github.com/roach88/fieldsync/internal/search"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/store/backend"
	"github.com/roach88/fieldsync/internal/syncer"
)

// app owns the configuration, logger and store shared by one command run.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	store store.Store
}

func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger := opts.Logger
	if logger == nil {
		level := cfg.Log.Level
		if opts.Verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Log.Format)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to initialize logger", err)
		}
	}

	logger.Debug("opening store", zap.String("driver", cfg.Storage.Driver))
	st, err := backend.Open(commandContext(cmd), cfg.Storage, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return &app{cfg: cfg, log: logger, store: st}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("error closing store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) index() *search.Index {
	return search.New(a.store,
		search.WithCaseSensitive(a.cfg.Search.CaseSensitive),
		search.WithCacheSize(a.cfg.Search.CacheSize),
		search.WithLogger(a.log))
}

func (a *app) opLog() *oplog.Log {
	return oplog.New(a.store, oplog.WithLogger(a.log))
}

func (a *app) ingester() *bundle.Ingester {
	return bundle.NewIngester(a.store,
		bundle.WithLogger(a.log),
		bundle.WithVersionGate(a.cfg.Ingest.VersionGate))
}

// coordinator wires a sync coordinator from configuration. m may be nil.
func (a *app) coordinator(ctx context.Context, m *metrics.Metrics) (*syncer.Coordinator, error) {
	f, err := fetch.FromConfig(ctx, a.cfg.Remote, a.log, fetch.WithStateHook(func(s fetch.BreakerState) {
		a.log.Info("remote circuit breaker", zap.Stringer("state", s))
		m.SetBreakerState(int(s))
	}))
	if err != nil {
		return nil, err
	}

	ops := a.opLog()
	opts := []syncer.Option{
		syncer.WithIngester(a.ingester()),
		syncer.WithOpLog(ops),
		syncer.WithOverlap(a.cfg.Sync.Overlap),
		syncer.WithLockFile(a.cfg.Sync.LockFile),
		syncer.WithTimeout(a.cfg.Remote.Timeout),
		syncer.WithLogger(a.log),
		syncer.WithMetrics(m),
	}
	if a.cfg.Remote.PushPath != "" {
		opts = append(opts, syncer.WithPusher(oplog.NewPusher(ops,
			a.cfg.Remote.ResolvedBaseURL(), a.cfg.Remote.PushPath,
			oplog.WithHTTPClient(fetch.NewHTTPClient()),
			oplog.WithPushLogger(a.log))))
	}
	return syncer.New(a.store, f, opts...), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
