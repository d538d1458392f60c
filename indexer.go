package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nederlandskie/feedgen/algos"
	"github.com/nederlandskie/feedgen/firehose"
)

const (
	// cursorSaveInterval is how many commits pass between durable cursor
	// writes. Replayed commits after a crash are no-ops on insert.
	cursorSaveInterval = 20

	reconnectDelay = 10 * time.Second
)

type indexerStore interface {
	CreatePost(ctx context.Context, authorDid, cid, uri string) error
	DeletePost(ctx context.Context, uri string) (bool, error)
	CreateProfileIfNotExists(ctx context.Context, did string) (bool, error)
	FetchSubscriptionCursor(ctx context.Context, host, service string) (*int64, error)
	CreateSubscriptionState(ctx context.Context, host, service string) error
	UpdateSubscriptionCursor(ctx context.Context, host, service string, cursor int64) error
}

// PostIndexer consumes firehose commits and writes the posts the registered
// algorithms claim. It owns the subscription cursor for its (host, service)
// pair.
type PostIndexer struct {
	store      indexerStore
	algos      *algos.Algos
	subscriber *firehose.Subscriber
	serviceDid string
}

func NewPostIndexer(st indexerStore, a *algos.Algos, sub *firehose.Subscriber, serviceDid string) *PostIndexer {
	return &PostIndexer{
		store:      st,
		algos:      a,
		subscriber: sub,
		serviceDid: serviceDid,
	}
}

// Start subscribes and keeps resubscribing until ctx is cancelled. Each
// attempt resumes from the last persisted cursor.
func (ix *PostIndexer) Start(ctx context.Context) error {
	for {
		cursor, err := ix.store.FetchSubscriptionCursor(ctx, ix.subscriber.Host, ix.serviceDid)
		if err != nil {
			return fmt.Errorf("fetching subscription cursor: %w", err)
		}
		if cursor == nil {
			if err := ix.store.CreateSubscriptionState(ctx, ix.subscriber.Host, ix.serviceDid); err != nil {
				return fmt.Errorf("creating subscription state: %w", err)
			}
		} else if *cursor == 0 {
			// A zero cursor predates the first save; resuming from it would
			// replay the relay's whole backfill window.
			cursor = nil
		}

		err = ix.subscriber.Subscribe(ctx, ix, cursor)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Error("firehose subscription ended, reconnecting", "error", err, "delay", reconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (ix *PostIndexer) ProcessCommit(ctx context.Context, commit *firehose.CommitDetails) error {
	firehoseCursorGauge.WithLabelValues("ingest").Set(float64(commit.Seq))

	for _, op := range commit.Operations {
		switch op := op.(type) {
		case firehose.CreatePost:
			start := time.Now()
			if err := ix.handleCreatePost(ctx, op); err != nil {
				return err
			}
			handleOpHist.WithLabelValues("create", firehose.NSIDFeedPost).Observe(float64(time.Since(start).Milliseconds()))
		case firehose.DeletePost:
			start := time.Now()
			if _, err := ix.store.DeletePost(ctx, op.Uri); err != nil {
				return fmt.Errorf("deleting post %s: %w", op.Uri, err)
			}
			handleOpHist.WithLabelValues("delete", firehose.NSIDFeedPost).Observe(float64(time.Since(start).Milliseconds()))
		default:
			// Likes and follows are decoded for completeness but nothing
			// downstream consumes them yet.
		}
	}

	if commit.Seq%cursorSaveInterval == 0 {
		if err := ix.store.UpdateSubscriptionCursor(ctx, ix.subscriber.Host, ix.serviceDid, commit.Seq); err != nil {
			return fmt.Errorf("updating cursor to %d: %w", commit.Seq, err)
		}
		firehoseCursorGauge.WithLabelValues("saved").Set(float64(commit.Seq))
	}

	return nil
}

// handleCreatePost asks each algorithm in registration order; the first one
// that claims the post wins and the rest are not consulted.
func (ix *PostIndexer) handleCreatePost(ctx context.Context, op firehose.CreatePost) error {
	for _, algo := range ix.algos.All() {
		ok, err := algo.ShouldIndexPost(ctx, op.AuthorDid, op.Post)
		if err != nil {
			return fmt.Errorf("consulting algorithm for %s: %w", op.Uri, err)
		}
		if !ok {
			continue
		}

		// The post row references the author, so make sure the profile row
		// exists first. The classifier picks up fresh rows from here.
		if _, err := ix.store.CreateProfileIfNotExists(ctx, op.AuthorDid); err != nil {
			return fmt.Errorf("creating profile %s: %w", op.AuthorDid, err)
		}
		if err := ix.store.CreatePost(ctx, op.AuthorDid, op.Cid, op.Uri); err != nil {
			return fmt.Errorf("creating post %s: %w", op.Uri, err)
		}
		postsIndexedCounter.Inc()
		return nil
	}
	return nil
}
