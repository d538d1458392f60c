package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nederlandskie/feedgen/algos"
	"github.com/nederlandskie/feedgen/firehose"
	"github.com/nederlandskie/feedgen/store"
)

type createdPost struct {
	authorDid string
	cid       string
	uri       string
}

type fakeIndexerStore struct {
	posts         []createdPost
	profiles      []string
	deleted       []string
	cursorUpdates []int64
}

func (s *fakeIndexerStore) CreatePost(ctx context.Context, authorDid, cid, uri string) error {
	s.posts = append(s.posts, createdPost{authorDid, cid, uri})
	return nil
}

func (s *fakeIndexerStore) DeletePost(ctx context.Context, uri string) (bool, error) {
	s.deleted = append(s.deleted, uri)
	return true, nil
}

func (s *fakeIndexerStore) CreateProfileIfNotExists(ctx context.Context, did string) (bool, error) {
	s.profiles = append(s.profiles, did)
	return true, nil
}

func (s *fakeIndexerStore) FetchSubscriptionCursor(ctx context.Context, host, service string) (*int64, error) {
	return nil, nil
}

func (s *fakeIndexerStore) CreateSubscriptionState(ctx context.Context, host, service string) error {
	return nil
}

func (s *fakeIndexerStore) UpdateSubscriptionCursor(ctx context.Context, host, service string, cursor int64) error {
	s.cursorUpdates = append(s.cursorUpdates, cursor)
	return nil
}

type fakeAlgo struct {
	claim     bool
	err       error
	consulted int
}

func (a *fakeAlgo) ShouldIndexPost(ctx context.Context, authorDid string, post *firehose.PostRecord) (bool, error) {
	a.consulted++
	return a.claim, a.err
}

func (a *fakeAlgo) FetchPosts(ctx context.Context, limit int, earlierThan *store.PostCursor) ([]store.Post, error) {
	return nil, nil
}

func newTestIndexer(st *fakeIndexerStore, feedAlgos ...algos.Algo) *PostIndexer {
	b := algos.NewBuilder()
	for i, a := range feedAlgos {
		b.Add(string(rune('a'+i)), a)
	}
	return NewPostIndexer(st, b.Build(), firehose.NewSubscriber("test.invalid"), "did:web:feeds.example.com")
}

func commitWith(seq int64, ops ...firehose.Operation) *firehose.CommitDetails {
	return &firehose.CommitDetails{
		Seq:        seq,
		Time:       time.Date(2023, 9, 15, 12, 0, 0, 0, time.UTC),
		Operations: ops,
	}
}

func createPostOp(did, rkey string) firehose.CreatePost {
	return firehose.CreatePost{
		AuthorDid: did,
		Cid:       "bafy" + rkey,
		Uri:       "at://" + did + "/app.bsky.feed.post/" + rkey,
		Post:      &firehose.PostRecord{Text: "text of " + rkey},
	}
}

func TestProcessCommitIndexesClaimedPost(t *testing.T) {
	st := &fakeIndexerStore{}
	ix := newTestIndexer(st, &fakeAlgo{claim: true})

	require.NoError(t, ix.ProcessCommit(context.Background(), commitWith(41, createPostOp("did:plc:alice", "3kaaa"))))

	// The profile row must exist before the post that references it.
	require.Equal(t, []string{"did:plc:alice"}, st.profiles)
	require.Len(t, st.posts, 1)
	assert.Equal(t, createdPost{
		authorDid: "did:plc:alice",
		cid:       "bafy3kaaa",
		uri:       "at://did:plc:alice/app.bsky.feed.post/3kaaa",
	}, st.posts[0])
}

func TestProcessCommitSkipsUnclaimedPost(t *testing.T) {
	st := &fakeIndexerStore{}
	ix := newTestIndexer(st, &fakeAlgo{claim: false})

	require.NoError(t, ix.ProcessCommit(context.Background(), commitWith(41, createPostOp("did:plc:alice", "3kaaa"))))

	assert.Empty(t, st.posts)
	assert.Empty(t, st.profiles)
}

func TestProcessCommitFirstMatchWins(t *testing.T) {
	st := &fakeIndexerStore{}
	first := &fakeAlgo{claim: true}
	second := &fakeAlgo{claim: true}
	ix := newTestIndexer(st, first, second)

	require.NoError(t, ix.ProcessCommit(context.Background(), commitWith(41, createPostOp("did:plc:alice", "3kaaa"))))

	assert.Equal(t, 1, first.consulted)
	assert.Equal(t, 0, second.consulted)
	assert.Len(t, st.posts, 1)
}

func TestProcessCommitAlgoError(t *testing.T) {
	st := &fakeIndexerStore{}
	ix := newTestIndexer(st, &fakeAlgo{err: errors.New("storage down")})

	err := ix.ProcessCommit(context.Background(), commitWith(41, createPostOp("did:plc:alice", "3kaaa")))
	require.Error(t, err)
	assert.Empty(t, st.posts)
}

func TestProcessCommitDeletesPost(t *testing.T) {
	st := &fakeIndexerStore{}
	ix := newTestIndexer(st, &fakeAlgo{claim: true})

	uri := "at://did:plc:alice/app.bsky.feed.post/3kgone"
	require.NoError(t, ix.ProcessCommit(context.Background(), commitWith(41, firehose.DeletePost{Uri: uri})))

	assert.Equal(t, []string{uri}, st.deleted)
}

func TestProcessCommitIgnoresLikesAndFollows(t *testing.T) {
	st := &fakeIndexerStore{}
	algo := &fakeAlgo{claim: true}
	ix := newTestIndexer(st, algo)

	require.NoError(t, ix.ProcessCommit(context.Background(), commitWith(41,
		firehose.CreateLike{AuthorDid: "did:plc:alice", Like: &firehose.LikeRecord{}},
		firehose.CreateFollow{AuthorDid: "did:plc:alice", Follow: &firehose.FollowRecord{}},
		firehose.DeleteLike{Uri: "at://x/app.bsky.feed.like/y"},
		firehose.DeleteFollow{Uri: "at://x/app.bsky.graph.follow/y"},
	)))

	assert.Equal(t, 0, algo.consulted)
	assert.Empty(t, st.posts)
	assert.Empty(t, st.deleted)
}

func TestProcessCommitSavesCursorPeriodically(t *testing.T) {
	st := &fakeIndexerStore{}
	ix := newTestIndexer(st, &fakeAlgo{})

	require.NoError(t, ix.ProcessCommit(context.Background(), commitWith(41)))
	assert.Empty(t, st.cursorUpdates)

	require.NoError(t, ix.ProcessCommit(context.Background(), commitWith(60)))
	assert.Equal(t, []int64{60}, st.cursorUpdates)
}
