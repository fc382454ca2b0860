package channels

import (
	"context"
)

// Channel defines the interface for an operator notification integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins delivering notifications and listening for operator
	// commands. It should block until the context is canceled or a fatal
	// error occurs.
	Start(ctx context.Context) error
}
