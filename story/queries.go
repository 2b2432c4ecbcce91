package story

import (
	"context"
	"strconv"

	"github.com/jmcleod/storyverse/client"
	"github.com/jmcleod/storyverse/query"
)

// ListKey caches the story list.
var ListKey = query.Key{"stories"}

// DetailKey caches a single story.
func DetailKey(id int64) query.Key {
	return query.Key{"story", strconv.FormatInt(id, 10)}
}

// Queries serves story reads from the cache and runs creation as a
// mutation that invalidates the list.
type Queries struct {
	svc   *Service
	cache *query.Cache
}

// NewQueries binds svc to cache.
func NewQueries(svc *Service, cache *query.Cache) *Queries {
	return &Queries{svc: svc, cache: cache}
}

// Service returns the uncached service.
func (q *Queries) Service() *Service { return q.svc }

func (q *Queries) List(ctx context.Context) ([]Story, error) {
	return query.Fetch(ctx, q.cache, ListKey, q.svc.List)
}

func (q *Queries) Get(ctx context.Context, id int64) (Story, error) {
	return query.Fetch(ctx, q.cache, DetailKey(id), func(ctx context.Context) (Story, error) {
		return q.svc.Get(ctx, id)
	})
}

// CreateCallbacks are the per-call hooks of Create.
type CreateCallbacks struct {
	OnSuccess func(*client.Envelope[Story])
	OnError   func(error)
}

// Create generates a story. On success the story list is invalidated before
// OnSuccess runs.
func (q *Queries) Create(ctx context.Context, in CreateInput, cb CreateCallbacks) (*client.Envelope[Story], error) {
	return query.Mutate(ctx, q.cache, func(ctx context.Context) (*client.Envelope[Story], error) {
		return q.svc.Create(ctx, in)
	}, query.MutationOptions[*client.Envelope[Story]]{
		Invalidates: []query.Key{ListKey},
		OnSuccess:   cb.OnSuccess,
		OnError:     cb.OnError,
	})
}
