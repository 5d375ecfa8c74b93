package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/fault"
	"github.com/roach88/fieldsync/internal/store/memstore"
	"github.com/roach88/fieldsync/internal/store/sqlstore"
)

func TestOpen_SelectsEngine(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StorageConfig{Driver: config.DriverMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, s)
	require.NoError(t, s.Close())

	dsn := filepath.Join(t.TempDir(), "fs.db")
	s, err = Open(ctx, config.StorageConfig{Driver: config.DriverSQLite, DSN: dsn}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &sqlstore.Store{}, s)
	require.NoError(t, s.Close())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "oracle"}, zap.NewNop())
	assert.True(t, fault.IsInvalid(err))
}

func TestOpen_NilLogger(t *testing.T) {
	s, err := Open(context.Background(), config.StorageConfig{Driver: config.DriverMemory}, nil)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
