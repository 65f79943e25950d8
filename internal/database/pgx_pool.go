package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer 执行不返回结果集的语句，*pgxpool.Pool 与 pgx.Tx 都满足
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PoolConfig 连接池参数
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	PingTimeout       time.Duration
}

// DefaultPoolConfig 默认连接池参数
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConns:          10,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		PingTimeout:       5 * time.Second,
	}
}

// Connect 根据DSN创建连接池并验证连通性
func Connect(ctx context.Context, dsn string, config *PoolConfig) (*pgxpool.Pool, error) {
	if config == nil {
		config = DefaultPoolConfig()
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = config.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.PingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("✅ PostgreSQL连接池创建成功")
	return pool, nil
}

// UploadsSchema 上传台账表结构
const UploadsSchema = `CREATE TABLE IF NOT EXISTS trial_uploads (
	id          BIGSERIAL PRIMARY KEY,
	project_id  TEXT        NOT NULL,
	user_id     TEXT        NOT NULL,
	file        TEXT        NOT NULL,
	path        TEXT        NOT NULL,
	bucket      TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate 创建所需的表
func Migrate(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, UploadsSchema); err != nil {
		return fmt.Errorf("failed to migrate trial_uploads: %w", err)
	}
	return nil
}
