// Package notifier
package notifier

import "context"

// Notifier delivers human-facing alerts about trade lifecycle events.
type Notifier interface {
	// Send delivers a message once.
	Send(ctx context.Context, message string) error

	// SendWithRetry retries transient delivery failures before giving up.
	SendWithRetry(ctx context.Context, message string) error
}

// Noop discards all messages. Used when no notifier is configured.
type Noop struct{}

func (Noop) Send(ctx context.Context, message string) error          { return nil }
func (Noop) SendWithRetry(ctx context.Context, message string) error { return nil }
