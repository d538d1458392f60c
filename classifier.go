package main

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/nederlandskie/feedgen/bluesky"
)

const (
	classifierSweepInterval = 10 * time.Second

	// unknownCountry is recorded for authors whose profile record no longer
	// exists, so the sweep does not retry them forever.
	unknownCountry = "xx"
)

type profileFetcher interface {
	FetchProfileDetails(ctx context.Context, did string) (bluesky.ProfileDetails, bool, error)
}

type countryInferrer interface {
	InferCountryOfLiving(ctx context.Context, displayName, description string) (string, error)
}

type classifierStore interface {
	FetchUnprocessedProfileDids(ctx context.Context) ([]string, error)
	SetProfileCountry(ctx context.Context, did, country string) error
}

// ProfileClassifier sweeps unprocessed profiles and records the country each
// author likely lives in.
type ProfileClassifier struct {
	store    classifierStore
	fetcher  profileFetcher
	inferrer countryInferrer
}

func NewProfileClassifier(st classifierStore, fetcher profileFetcher, inferrer countryInferrer) *ProfileClassifier {
	return &ProfileClassifier{
		store:    st,
		fetcher:  fetcher,
		inferrer: inferrer,
	}
}

// Start runs sweeps until ctx is cancelled. A profile that fails to classify
// stays unprocessed and is retried on the next sweep.
func (pc *ProfileClassifier) Start(ctx context.Context) error {
	for {
		if err := pc.sweep(ctx); err != nil {
			log.Warn("profile classification sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(classifierSweepInterval):
		}
	}
}

func (pc *ProfileClassifier) sweep(ctx context.Context) error {
	dids, err := pc.store.FetchUnprocessedProfileDids(ctx)
	if err != nil {
		return fmt.Errorf("fetching unprocessed profiles: %w", err)
	}

	for _, did := range dids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := pc.classify(ctx, did); err != nil {
			log.Warn("failed to classify profile", "did", did, "error", err)
		}
	}
	return nil
}

func (pc *ProfileClassifier) classify(ctx context.Context, did string) error {
	details, found, err := pc.fetcher.FetchProfileDetails(ctx, did)
	if err != nil {
		return fmt.Errorf("fetching profile details: %w", err)
	}

	country := unknownCountry
	if found {
		country, err = pc.inferrer.InferCountryOfLiving(ctx, details.DisplayName, details.Description)
		if err != nil {
			return fmt.Errorf("inferring country: %w", err)
		}
	}

	if err := pc.store.SetProfileCountry(ctx, did, country); err != nil {
		return fmt.Errorf("storing country %q: %w", country, err)
	}

	log.Info("classified profile", "did", did, "country", country)
	return nil
}
