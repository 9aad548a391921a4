package executor

import (
	"context"

	"dujyochain/internal/store"
)

// StoreRunner 把存储层的原子单元适配成执行器的Runner
type StoreRunner struct {
	Store *store.Store
}

// WithinTx 在数据库事务内执行fn
func (r StoreRunner) WithinTx(ctx context.Context, fn func(led Ledger) error) error {
	return r.Store.WithinTx(ctx, func(tx *store.Tx) error {
		return fn(tx)
	})
}
