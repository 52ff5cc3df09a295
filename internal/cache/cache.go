package cache

import (
	"context"
	"time"

	"apotekpos/backend/internal/domain"
)

// ReceiptCache holds display-ready receipt projections. Receipts are
// immutable once a sale commits, so a stale hit is impossible; the TTL only
// bounds memory.
type ReceiptCache interface {
	Get(ctx context.Context, number string) (*domain.Receipt, bool, error)
	Set(ctx context.Context, number string, receipt *domain.Receipt, ttl time.Duration) error
}

type NoopReceiptCache struct{}

func (NoopReceiptCache) Get(_ context.Context, _ string) (*domain.Receipt, bool, error) {
	return nil, false, nil
}

func (NoopReceiptCache) Set(_ context.Context, _ string, _ *domain.Receipt, _ time.Duration) error {
	return nil
}
