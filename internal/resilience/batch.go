package resilience

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the concurrency window used when callers pass <= 0
const DefaultChunkSize = 5

// Chunked calls fn for every index in [0,total), running at most chunkSize
// calls at a time. Each chunk drains completely before the next starts.
func Chunked(ctx context.Context, total, chunkSize int, fn func(ctx context.Context, i int)) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	for start := 0; start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				fn(ctx, i)
				return nil
			})
		}
		_ = g.Wait()
	}
}
