package algos

import (
	"context"

	"github.com/nederlandskie/feedgen/firehose"
	"github.com/nederlandskie/feedgen/store"
)

// Algo is a named feed algorithm: a predicate consulted for every incoming
// post, and the read side serving that feed's skeleton. Both methods may do
// storage I/O.
type Algo interface {
	ShouldIndexPost(ctx context.Context, authorDid string, post *firehose.PostRecord) (bool, error)
	FetchPosts(ctx context.Context, limit int, earlierThan *store.PostCursor) ([]store.Post, error)
}

// Algos is the immutable registry built once at startup. Iteration order is
// insertion order, which is also match priority.
type Algos struct {
	names  []string
	byName map[string]Algo
}

func (a *Algos) Names() []string { return a.names }

func (a *Algos) Get(name string) Algo { return a.byName[name] }

// All returns the algorithms in registration order.
func (a *Algos) All() []Algo {
	out := make([]Algo, 0, len(a.names))
	for _, name := range a.names {
		out = append(out, a.byName[name])
	}
	return out
}

type Builder struct {
	names  []string
	byName map[string]Algo
}

func NewBuilder() *Builder {
	return &Builder{byName: make(map[string]Algo)}
}

func (b *Builder) Add(name string, algo Algo) *Builder {
	if _, exists := b.byName[name]; !exists {
		b.names = append(b.names, name)
	}
	b.byName[name] = algo
	return b
}

func (b *Builder) Build() *Algos {
	return &Algos{names: b.names, byName: b.byName}
}
