package algos

import (
	"context"

	"github.com/pemistahl/lingua-go"

	"github.com/nederlandskie/feedgen/firehose"
	"github.com/nederlandskie/feedgen/store"
)

// LanguageDetector is the slice of lingua's detector this algorithm needs.
// The real detector is expensive to build and is constructed once in main.
type LanguageDetector interface {
	DetectLanguageOf(text string) (lingua.Language, bool)
}

// CountryStore is the storage surface the algorithm reads from.
type CountryStore interface {
	IsProfileInCountry(ctx context.Context, did, country string) (bool, error)
	FetchPostsByAuthorsCountry(ctx context.Context, country string, limit int, earlierThan *store.PostCursor) ([]store.Post, error)
}

// Nederlandskie indexes posts that are either written in Russian or made by
// an author classified as living in the Netherlands.
type Nederlandskie struct {
	detector LanguageDetector
	store    CountryStore
}

func NewNederlandskie(detector LanguageDetector, st CountryStore) *Nederlandskie {
	return &Nederlandskie{detector: detector, store: st}
}

func (n *Nederlandskie) isPostInRussian(post *firehose.PostRecord) bool {
	lang, ok := n.detector.DetectLanguageOf(post.Text)
	return ok && lang == lingua.Russian
}

func (n *Nederlandskie) ShouldIndexPost(ctx context.Context, authorDid string, post *firehose.PostRecord) (bool, error) {
	if n.isPostInRussian(post) {
		return true, nil
	}
	return n.store.IsProfileInCountry(ctx, authorDid, "nl")
}

func (n *Nederlandskie) FetchPosts(ctx context.Context, limit int, earlierThan *store.PostCursor) ([]store.Post, error) {
	return n.store.FetchPostsByAuthorsCountry(ctx, "nl", limit, earlierThan)
}
