package cache

import (
	"context"
	"time"

	"kasircabang/backend/internal/domain"
)

// SummaryCache holds short-lived cash-flow summaries keyed by filter. The
// dashboard polls the summary endpoint aggressively; the cache shields the
// aggregate query.
type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.CashFlowSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.CashFlowSummary, ttl time.Duration) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.CashFlowSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.CashFlowSummary, _ time.Duration) error {
	return nil
}
