package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to the database named by TEST_DATABASE_URL and
// truncates the tables so every test starts clean.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	st, err := Connect(context.Background(), url, 2)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	for _, table := range []string{"posts", "profiles", "subscription_states"} {
		_, err := st.pgx.Exec(context.Background(), "TRUNCATE TABLE "+table)
		require.NoError(t, err)
	}
	return st
}

func insertNlAuthor(t *testing.T, st *Store, did string) {
	t.Helper()
	require.NoError(t, st.SetProfileCountry(context.Background(), did, "nl"))
}

func TestCreatePostIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	uri := "at://did:plc:alice/app.bsky.feed.post/3kaaa"
	require.NoError(t, st.CreatePost(ctx, "did:plc:alice", "bafyone", uri))
	// Replayed commits re-insert the same uri; the first write wins.
	require.NoError(t, st.CreatePost(ctx, "did:plc:alice", "bafytwo", uri))

	var count int
	require.NoError(t, st.pgx.QueryRow(ctx, "SELECT count(*) FROM posts WHERE uri = $1", uri).Scan(&count))
	assert.Equal(t, 1, count)

	var cid string
	require.NoError(t, st.pgx.QueryRow(ctx, "SELECT cid FROM posts WHERE uri = $1", uri).Scan(&cid))
	assert.Equal(t, "bafyone", cid)
}

func TestDeletePost(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	uri := "at://did:plc:alice/app.bsky.feed.post/3kaaa"
	require.NoError(t, st.CreatePost(ctx, "did:plc:alice", "bafyone", uri))

	existed, err := st.DeletePost(ctx, uri)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = st.DeletePost(ctx, uri)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestDeleteOldPosts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreatePost(ctx, "did:plc:alice", "bafyold", "at://did:plc:alice/app.bsky.feed.post/3kold"))
	_, err := st.pgx.Exec(ctx, "UPDATE posts SET indexed_at = now() - interval '200 days'")
	require.NoError(t, err)
	require.NoError(t, st.CreatePost(ctx, "did:plc:alice", "bafynew", "at://did:plc:alice/app.bsky.feed.post/3knew"))

	deleted, err := st.DeleteOldPosts(ctx, time.Now().Add(-150*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var count int
	require.NoError(t, st.pgx.QueryRow(ctx, "SELECT count(*) FROM posts").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestFetchPostsByAuthorsCountry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	insertNlAuthor(t, st, "did:plc:alice")
	require.NoError(t, st.SetProfileCountry(ctx, "did:plc:boris", "ru"))

	// Newer posts get lexicographically larger cids, matching how the
	// cursor predicate pages backwards through (indexed_at, cid).
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		uri := fmt.Sprintf("at://did:plc:alice/app.bsky.feed.post/3k%03d", 99-i)
		require.NoError(t, st.CreatePost(ctx, "did:plc:alice", fmt.Sprintf("bafy%03d", 99-i), uri))
		_, err := st.pgx.Exec(ctx, "UPDATE posts SET indexed_at = $1 WHERE uri = $2",
			base.Add(-time.Duration(i)*time.Minute), uri)
		require.NoError(t, err)
	}
	require.NoError(t, st.CreatePost(ctx, "did:plc:boris", "bafyru", "at://did:plc:boris/app.bsky.feed.post/3kru"))

	posts, err := st.FetchPostsByAuthorsCountry(ctx, "nl", 3, nil)
	require.NoError(t, err)
	require.Len(t, posts, 3)

	// Newest first, and only posts by classified nl authors.
	assert.Equal(t, "bafy099", posts[0].Cid)
	assert.Equal(t, "bafy098", posts[1].Cid)
	assert.Equal(t, "bafy097", posts[2].Cid)

	// Keyset pagination continues strictly past the last row of the page.
	last := posts[2]
	next, err := st.FetchPostsByAuthorsCountry(ctx, "nl", 3, &PostCursor{IndexedAt: last.IndexedAt, Cid: last.Cid})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "bafy096", next[0].Cid)
	assert.Equal(t, "bafy095", next[1].Cid)
}

func TestIsProfileInCountry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Unknown did.
	ok, err := st.IsProfileInCountry(ctx, "did:plc:nobody", "nl")
	require.NoError(t, err)
	assert.False(t, ok)

	// Known but not yet classified.
	created, err := st.CreateProfileIfNotExists(ctx, "did:plc:pending")
	require.NoError(t, err)
	assert.True(t, created)
	ok, err = st.IsProfileInCountry(ctx, "did:plc:pending", "nl")
	require.NoError(t, err)
	assert.False(t, ok)

	insertNlAuthor(t, st, "did:plc:alice")
	ok, err = st.IsProfileInCountry(ctx, "did:plc:alice", "nl")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.IsProfileInCountry(ctx, "did:plc:alice", "de")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClassificationFlow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateProfileIfNotExists(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = st.CreateProfileIfNotExists(ctx, "did:plc:alice")
	require.NoError(t, err)
	assert.False(t, created)

	dids, err := st.FetchUnprocessedProfileDids(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:alice"}, dids)

	require.NoError(t, st.SetProfileCountry(ctx, "did:plc:alice", "nl"))

	dids, err = st.FetchUnprocessedProfileDids(ctx)
	require.NoError(t, err)
	assert.Empty(t, dids)
}

func TestSubscriptionCursor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cursor, err := st.FetchSubscriptionCursor(ctx, "bsky.network", "did:web:feeds.example.com")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	require.NoError(t, st.CreateSubscriptionState(ctx, "bsky.network", "did:web:feeds.example.com"))

	cursor, err = st.FetchSubscriptionCursor(ctx, "bsky.network", "did:web:feeds.example.com")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(0), *cursor)

	require.NoError(t, st.UpdateSubscriptionCursor(ctx, "bsky.network", "did:web:feeds.example.com", 42))
	require.NoError(t, st.UpdateSubscriptionCursor(ctx, "bsky.network", "did:web:feeds.example.com", 60))

	cursor, err = st.FetchSubscriptionCursor(ctx, "bsky.network", "did:web:feeds.example.com")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(60), *cursor)

	// Cursors are tracked per (service, host) pair.
	other, err := st.FetchSubscriptionCursor(ctx, "other.relay", "did:web:feeds.example.com")
	require.NoError(t, err)
	assert.Nil(t, other)
}
