// Package backend opens the store engine named by configuration.
package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/logging"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/store/memstore"
	"github.com/roach88/fieldsync/internal/store/sqlstore"
)

// Open returns the engine selected by cfg.Driver. The caller owns the
// returned store and must Close it.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (store.Store, error) {
	logger = logging.OrNop(logger)
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; nothing will be persisted")
		return memstore.New(), nil
	case config.DriverSQLite3, config.DriverSQLite, config.DriverPostgres, "":
		s, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fault.New(fault.CodeInvalid, "backend.open", "unknown storage driver "+cfg.Driver)
	}
}
