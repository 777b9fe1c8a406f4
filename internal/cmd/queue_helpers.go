package cmd

import (
	"context"
	"fmt"

	"github.com/nursefi/nursefi/internal/config"
	"github.com/nursefi/nursefi/offline"
	"github.com/nursefi/nursefi/offline/store"
)

// openQueue opens the durable offline queue described by cfg. The caller closes the
// returned store.
func openQueue(ctx context.Context, cfg config.OfflineConfig, opts ...offline.QueueOption) (*offline.Queue, *store.SQL, error) {
	st, err := store.OpenSQL(ctx, cfg.QueuePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open offline queue %s: %w", cfg.QueuePath, err)
	}
	opts = append([]offline.QueueOption{
		offline.WithMaxLength(cfg.MaxQueueLength),
		offline.WithMaxRecordBytes(cfg.MaxBatchBytes),
	}, opts...)
	return offline.NewQueue(st, opts...), st, nil
}

func replayerOptions(cfg config.OfflineConfig) []offline.ReplayerOption {
	return []offline.ReplayerOption{
		offline.WithTokenSource(offline.StaticToken(cfg.Token)),
		offline.WithInterval(cfg.FlushInterval),
		offline.WithMaxAttempts(cfg.MaxAttempts),
		offline.WithMaxBatchBytes(cfg.MaxBatchBytes),
	}
}
