package upload

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"GoTrialRunner/internal/database"
)

const insertUpload = `INSERT INTO trial_uploads (project_id, user_id, file, path, bucket)
VALUES ($1, $2, $3, $4, $5)`

// LedgerOption 台账选项
type LedgerOption func(*Ledger)

// WithRetry 设置重试参数
func WithRetry(initial time.Duration, maxRetries uint64) LedgerOption {
	return func(l *Ledger) {
		l.initialInterval = initial
		l.maxRetries = maxRetries
	}
}

// Ledger 把交接写入 trial_uploads 表，由上传进程轮询处理
type Ledger struct {
	db              database.Execer
	initialInterval time.Duration
	maxRetries      uint64
}

// NewLedger 创建台账
func NewLedger(db database.Execer, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		db:              db,
		initialInterval: 100 * time.Millisecond,
		maxRetries:      3,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handoff 实现 Handoff，失败时指数退避重试
func (l *Ledger) Handoff(ctx context.Context, req Request) error {
	if l.db == nil {
		return ErrNoDatabase
	}

	var bucket any
	if req.Bucket != "" {
		bucket = req.Bucket
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = l.initialInterval

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		_, err := l.db.Exec(ctx, insertUpload, req.ProjectID, req.UserID, req.File, req.Path, bucket)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backOff, l.maxRetries), ctx))

	if err != nil {
		return fmt.Errorf("failed to record upload of %s after %d attempts: %w", req.File, attempts, err)
	}
	if attempts > 1 {
		log.Printf("Upload of %s recorded after %d attempts", req.File, attempts)
	}
	return nil
}
