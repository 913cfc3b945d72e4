package jump

import (
	"context"

	"github.com/die-net/tether/internal/pool"
)

// Strategy names a path resolution strategy.
type Strategy string

const (
	// Sequential walks the configured jumps in order.
	Sequential Strategy = "sequential"
	// Optimal is reserved for latency-aware path selection. It currently
	// resolves exactly like Sequential.
	Optimal Strategy = "optimal"
)

// Resolver turns the configured jumps into the ordered hops to connect
// through on the way to target.
type Resolver interface {
	Resolve(ctx context.Context, jumps []pool.Config, target pool.Config) ([]pool.Config, error)
}

// ResolverFunc adapts a function to [Resolver].
type ResolverFunc func(ctx context.Context, jumps []pool.Config, target pool.Config) ([]pool.Config, error)

func (f ResolverFunc) Resolve(ctx context.Context, jumps []pool.Config, target pool.Config) ([]pool.Config, error) {
	return f(ctx, jumps, target)
}

// SequentialResolver returns the jumps unchanged.
var SequentialResolver = ResolverFunc(func(_ context.Context, jumps []pool.Config, _ pool.Config) ([]pool.Config, error) {
	return jumps, nil
})

func defaultResolvers() map[Strategy]Resolver {
	return map[Strategy]Resolver{
		Sequential: SequentialResolver,
		// TODO: probe alternate hop orderings and pick the lowest latency path.
		Optimal: SequentialResolver,
	}
}
