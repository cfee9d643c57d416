// Package provider defines the port every inference backend implements.
package provider

import (
	"context"

	"github.com/Strob0t/Conclave/internal/domain/decision"
)

// Client wraps one backend. Invoke honours ctx's deadline and aborts the
// underlying network operation when ctx is cancelled. A disagreeable or
// low-quality answer is a successful response with low confidence; errors
// are reserved for the classes in this package's Error type.
type Client interface {
	ID() string
	Invoke(ctx context.Context, payload string) (decision.Response, error)
}

// Closer is implemented by clients that hold connections.
type Closer interface {
	Close() error
}
