package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecer struct {
	sql []string
	err error
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.err
}

func TestMigrate(t *testing.T) {
	db := &fakeExecer{}
	require.NoError(t, Migrate(context.Background(), db))
	assert.Equal(t, []string{UploadsSchema}, db.sql)

	db = &fakeExecer{err: errors.New("permission denied")}
	err := Migrate(context.Background(), db)
	assert.ErrorContains(t, err, "trial_uploads")
	assert.ErrorIs(t, err, db.err)
}

func TestConnectInvalidDSN(t *testing.T) {
	_, err := Connect(context.Background(), "postgres://%zz", nil)
	assert.ErrorContains(t, err, "failed to parse database config")
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Less(t, cfg.MinConns, cfg.MaxConns)
	assert.Equal(t, 5*time.Second, cfg.PingTimeout)
}
