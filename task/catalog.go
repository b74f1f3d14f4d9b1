// Package task holds the background jobs running next to the webhook pipeline.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/miragespace/billsync/catalog"

	"go.uber.org/zap"
)

// CatalogSyncer copies the provider catalog into the store
type CatalogSyncer interface {
	Sync(ctx context.Context, src catalog.Source) (catalog.SyncResult, error)
}

// CatalogOptions contains the configuration for CatalogTask
type CatalogOptions struct {
	CatalogManager CatalogSyncer
	Source         catalog.Source
	Logger         *zap.Logger
	// Interval between two synchronizations, zero runs once
	Interval time.Duration
}

// CatalogTask backfills the catalog from the provider, repairing missed catalog events
type CatalogTask struct {
	CatalogOptions
}

func NewCatalogTask(option CatalogOptions) (*CatalogTask, error) {
	if option.CatalogManager == nil {
		return nil, fmt.Errorf("nil CatalogManager is invalid")
	}
	if option.Source == nil {
		return nil, fmt.Errorf("nil Source is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &CatalogTask{
		CatalogOptions: option,
	}, nil
}

// Run synchronizes once, then every Interval until ctx is done.
// Only the first synchronization is fatal, later failures are logged and retried on the next tick.
func (t *CatalogTask) Run(ctx context.Context) error {
	if _, err := t.CatalogManager.Sync(ctx, t.Source); err != nil {
		return err
	}
	if t.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := t.CatalogManager.Sync(ctx, t.Source); err != nil {
				t.Logger.Error("Cannot synchronize catalog",
					zap.Error(err),
				)
			}
		}
	}
}
