package main

import (
	"context"
	"log/slog"
	"time"
)

const (
	// maxPostAge matches the feed's useful horizon; nothing pages back five
	// months.
	maxPostAge = 150 * 24 * time.Hour

	janitorInterval = time.Hour
)

type janitorStore interface {
	DeleteOldPosts(ctx context.Context, earlierThan time.Time) (int64, error)
}

// Janitor trims posts older than maxPostAge on an hourly cadence.
type Janitor struct {
	store janitorStore
}

func NewJanitor(st janitorStore) *Janitor {
	return &Janitor{store: st}
}

func (j *Janitor) Start(ctx context.Context) error {
	for {
		deleted, err := j.store.DeleteOldPosts(ctx, time.Now().Add(-maxPostAge))
		if err != nil {
			slog.Error("failed to delete old posts", "error", err)
		} else if deleted > 0 {
			slog.Info("deleted old posts", "count", deleted)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(janitorInterval):
		}
	}
}
