// Package notify composes status replies to the original sender and hands
// them to an outbound transport.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/shineum/mailhook/internal/email"
	"github.com/shineum/mailhook/internal/transport"
)

// Error reports a status reply that could not be composed or handed off.
type Error struct {
	Recipient string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("status reply to %s: %v", e.Recipient, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Notifier sends one status reply per processed message.
type Notifier struct {
	transport transport.Transport
	identity  string
	now       func() time.Time
}

// New returns a Notifier that sends as identity. A nil transport disables
// replies.
func New(t transport.Transport, identity string) *Notifier {
	return &Notifier{
		transport: t,
		identity:  identity,
		now:       time.Now,
	}
}

// Notify tells recipient how the message was handled. If recipient does not
// contain a usable address the reply is skipped and nil is returned. Callers
// log a returned error and carry on; it never changes the outcome.
func (n *Notifier) Notify(ctx context.Context, outcome email.Outcome, recipient string) error {
	if n == nil || n.transport == nil {
		return nil
	}

	addr, err := mail.ParseAddress(recipient)
	if err != nil || addr.Address == "" {
		slog.Info("no usable sender address, skipping status reply", "sender", recipient)
		return nil
	}

	reply, err := Compose(n.identity, addr.Address, outcome, n.now())
	if err != nil {
		return &Error{Recipient: addr.Address, Err: err}
	}

	if err := n.transport.Send(ctx, reply); err != nil {
		return &Error{Recipient: addr.Address, Err: err}
	}

	slog.Debug("status reply sent",
		"to", addr.Address,
		"outcome", outcome,
		"transport", n.transport.Name(),
	)
	return nil
}

// Compose builds the plain-text status reply.
func Compose(from, to string, outcome email.Outcome, now time.Time) (*email.Reply, error) {
	status := printable(outcome.String())
	subject := "Email delivery status: " + status
	body := replyBody(from, status)

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	h.SetMessageID(uuid.NewString() + "@" + domainOf(from))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("failed to write reply body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish reply: %w", err)
	}

	return &email.Reply{
		From:    from,
		To:      to,
		Subject: subject,
		Body:    body,
		Raw:     buf.Bytes(),
	}, nil
}

func replyBody(identity, status string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your email to %s was processed.\n\nStatus: %s\n", identity, status)

	switch email.Outcome(status) {
	case email.OutcomeError:
		b.WriteString("There was an error processing your email.\n")
	case email.OutcomeIgnored:
		b.WriteString("Your email was ignored by the system.\n")
	}
	return b.String()
}

// printable drops control characters so a receiver-defined status cannot
// break the reply headers.
func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
