package query

import "context"

// MutationOptions are the per-call hooks of Mutate.
type MutationOptions[T any] struct {
	// Invalidates lists key prefixes invalidated after a successful mutation,
	// before OnSuccess runs.
	Invalidates []Key
	OnSuccess   func(T)
	OnError     func(error)
}

// Mutate runs fn once; mutations are never retried. Exactly one of the
// callbacks runs before Mutate returns. Failures are also logged by the
// cache.
func Mutate[T any](ctx context.Context, c *Cache, fn func(context.Context) (T, error), opts MutationOptions[T]) (T, error) {
	v, err := fn(ctx)
	if err != nil {
		c.logger.Error("mutation failed", "error", err)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return v, err
	}
	for _, k := range opts.Invalidates {
		c.Invalidate(k)
	}
	if opts.OnSuccess != nil {
		opts.OnSuccess(v)
	}
	return v, nil
}
