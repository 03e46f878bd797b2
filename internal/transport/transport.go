// Package transport defines the interface for outbound mail backends used to
// deliver status replies.
package transport

import (
	"context"

	"github.com/shineum/mailhook/internal/email"
)

// Transport is the interface that outbound mail backends must implement.
// Each transport hands a fully composed reply to some delivery mechanism
// (a local sendmail binary, an SMTP relay, AWS SES, ...).
type Transport interface {
	// Send delivers the reply. It returns an error if the hand-off fails.
	Send(ctx context.Context, reply *email.Reply) error

	// Name returns the human-readable name of this transport.
	Name() string
}
