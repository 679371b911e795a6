package logic

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// withTxRetry 事务遇到唯一约束冲突时重试，用于并发创建同一行的场景
func withTxRetry(ctx context.Context, db *gorm.DB, attempts int, fn func(tx *gorm.DB) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error

	for i := 0; i < attempts; i++ {
		err := db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, gorm.ErrDuplicatedKey) && i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(20*(i+1)) * time.Millisecond):
			}
			continue
		}
		return err
	}
	return lastErr
}
