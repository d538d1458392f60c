package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("store")

const DefaultMaxConns = 5

// Store is the sole mutator of persistent state. It keeps konbini's
// two-layer shape: gorm for migrations and conflict-clause writes, a pgx
// pool for the hot-path queries.
type Store struct {
	db  *gorm.DB
	pgx *pgxpool.Pool

	// countryCache holds classified countries by did. Classified values
	// never change outside the force tool, so they are safe to cache.
	countryCache *lru.TwoQueueCache[string, string]
}

func Connect(ctx context.Context, url string, maxConns int32) (*Store, error) {
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(Post{}, Profile{}, SubscriptionState{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	cache, _ := lru.New2Q[string, string](100_000)

	return &Store{db: db, pgx: pool, countryCache: cache}, nil
}

func (s *Store) Close() {
	s.pgx.Close()
}

// CreatePost inserts a post. Re-inserting an existing uri is a no-op, which
// is what makes firehose replay after reconnect safe.
func (s *Store) CreatePost(ctx context.Context, authorDid, cid, uri string) error {
	_, err := s.pgx.Exec(ctx,
		"INSERT INTO posts (author_did, cid, uri) VALUES ($1, $2, $3) ON CONFLICT (uri) DO NOTHING",
		authorDid, cid, uri)
	return err
}

// DeletePost removes a post by uri, reporting whether a row existed.
func (s *Store) DeletePost(ctx context.Context, uri string) (bool, error) {
	ct, err := s.pgx.Exec(ctx, "DELETE FROM posts WHERE uri = $1", uri)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// DeleteOldPosts removes every post indexed before earlierThan and returns
// the number of rows deleted.
func (s *Store) DeleteOldPosts(ctx context.Context, earlierThan time.Time) (int64, error) {
	ct, err := s.pgx.Exec(ctx, "DELETE FROM posts WHERE indexed_at < $1", earlierThan)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// CreateProfileIfNotExists lazily creates the author row a post insert
// depends on. Returns true when a new row was written.
func (s *Store) CreateProfileIfNotExists(ctx context.Context, did string) (bool, error) {
	ct, err := s.pgx.Exec(ctx,
		"INSERT INTO profiles (did) VALUES ($1) ON CONFLICT (did) DO NOTHING", did)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// FetchPostsByAuthorsCountry is the feed read path: newest posts whose
// author's classified country matches, keyset-paginated on
// (indexed_at desc, cid desc).
func (s *Store) FetchPostsByAuthorsCountry(ctx context.Context, country string, limit int, earlierThan *PostCursor) ([]Post, error) {
	ctx, span := tracer.Start(ctx, "fetchPostsByAuthorsCountry")
	defer span.End()

	q := `SELECT p.indexed_at, p.author_did, p.cid, p.uri
		FROM posts p
		INNER JOIN profiles pr ON pr.did = p.author_did
		WHERE pr.likely_country_of_living = $1`
	args := []any{country}

	if earlierThan != nil {
		q += " AND p.indexed_at <= $2 AND p.cid < $3"
		args = append(args, earlierThan.IndexedAt, earlierThan.Cid)
	}

	q += fmt.Sprintf(" ORDER BY p.indexed_at DESC, p.cid DESC LIMIT %d", limit)

	rows, err := s.pgx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.IndexedAt, &p.AuthorDid, &p.Cid, &p.Uri); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// IsProfileInCountry reports whether did has been classified into country.
// Unclassified profiles are simply "no".
func (s *Store) IsProfileInCountry(ctx context.Context, did, country string) (bool, error) {
	if cached, ok := s.countryCache.Get(did); ok {
		return cached == country, nil
	}

	var stored *string
	err := s.pgx.QueryRow(ctx,
		"SELECT likely_country_of_living FROM profiles WHERE did = $1 AND has_been_processed = TRUE",
		did).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if stored == nil {
		return false, nil
	}

	s.countryCache.Add(did, *stored)
	return *stored == country, nil
}

func (s *Store) FetchUnprocessedProfileDids(ctx context.Context) ([]string, error) {
	rows, err := s.pgx.Query(ctx, "SELECT did FROM profiles WHERE has_been_processed = FALSE")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// SetProfileCountry records a classification: insert-if-absent plus the
// processed/country update, in one transaction. Used by the classifier and
// by the force-profile-country tool.
func (s *Store) SetProfileCountry(ctx context.Context, did, country string) error {
	tx, err := s.pgx.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"INSERT INTO profiles (did) VALUES ($1) ON CONFLICT (did) DO NOTHING", did); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE profiles SET has_been_processed = TRUE, likely_country_of_living = $1 WHERE did = $2",
		country, did); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.countryCache.Add(did, country)
	return nil
}

// FetchSubscriptionCursor returns the persisted cursor for (service, host),
// or nil when this pair has never subscribed.
func (s *Store) FetchSubscriptionCursor(ctx context.Context, host, service string) (*int64, error) {
	var state SubscriptionState
	err := s.db.WithContext(ctx).
		Where("service = ? AND host = ?", service, host).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state.Cursor, nil
}

func (s *Store) CreateSubscriptionState(ctx context.Context, host, service string) error {
	return s.db.WithContext(ctx).Create(&SubscriptionState{
		Service: service,
		Host:    host,
		Cursor:  0,
	}).Error
}

// UpdateSubscriptionCursor durably advances the cursor for (service, host).
func (s *Store) UpdateSubscriptionCursor(ctx context.Context, host, service string, cursor int64) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service"}, {Name: "host"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor"}),
	}).Create(&SubscriptionState{
		Service: service,
		Host:    host,
		Cursor:  cursor,
	}).Error
}
