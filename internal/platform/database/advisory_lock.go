package database

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LockID は文字列キーからアドバイザリロックIDを生成します
func LockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// AcquireXactLock はトランザクションスコープのアドバイザリロックを取得します
// （pg_advisory_xact_lock）。トランザクション終了時に自動的に解放されます
func AcquireXactLock(ctx context.Context, tx pgx.Tx, lockID int64) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID)
	if err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}
