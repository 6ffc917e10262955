package cache

import (
	"context"
	"fmt"
	"time"

	"kasirledger/backend/internal/domain"
)

// StockCache holds getProductStock snapshots. Entries are dropped after any
// committed ledger change to the product, and every drop bumps the key's
// version so that a snapshot read before the change cannot be written back.
type StockCache interface {
	Get(ctx context.Context, key string) (*domain.ProductStock, bool, error)
	// Version returns the key's invalidation counter. Read it before loading
	// the snapshot from the store.
	Version(ctx context.Context, key string) (int64, error)
	// SetIfVersion stores value only while the counter still equals version.
	SetIfVersion(ctx context.Context, key string, value *domain.ProductStock, version int64, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

func StockKey(organizationID string, productID string) string {
	return fmt.Sprintf("stock:%s:%s", organizationID, productID)
}

func versionKey(key string) string {
	return key + ":version"
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (*domain.ProductStock, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Version(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopStockCache) SetIfVersion(_ context.Context, _ string, _ *domain.ProductStock, _ int64, _ time.Duration) (bool, error) {
	return false, nil
}

func (NoopStockCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
