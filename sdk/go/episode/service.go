package episode

import (
	"context"

	"github.com/ashita-ai/ltm/sdk/go/ltm"
)

// Store accepts completed episode records. The tracker never consumes a
// response beyond the error, which it only logs.
type Store interface {
	Store(ctx context.Context, ep ltm.Episode) error
}

// BatchStore accepts several records at once. The Shipper flushes into one.
type BatchStore interface {
	StoreBatch(ctx context.Context, episodes []ltm.Episode) error
}

// Service is the identifier issuance and storage backend the tracker needs.
// *ltm.Client satisfies it.
type Service interface {
	Store

	// WaitReady blocks until the backend is reachable or ctx is done.
	WaitReady(ctx context.Context) error

	// AcquireID issues a fresh, globally unique, non-zero id.
	AcquireID(ctx context.Context) (int64, error)
}
