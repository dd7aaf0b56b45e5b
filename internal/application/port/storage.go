package port

import "context"

// RawStore keeps raw inbound emails. Keys are opaque to the pipeline and are
// only threaded through as the raw reference of an idempotency record.
type RawStore interface {
	Save(ctx context.Context, key string, content []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
