package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailhook/internal/email"
)

// mockTransport records replies and optionally fails.
type mockTransport struct {
	replies []*email.Reply
	err     error
}

func (m *mockTransport) Send(_ context.Context, reply *email.Reply) error {
	m.replies = append(m.replies, reply)
	return m.err
}

func (m *mockTransport) Name() string {
	return "mock"
}

var fixedTime = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func TestComposeAccepted(t *testing.T) {
	t.Parallel()

	reply, err := Compose("relay@example.com", "a@x.com", email.OutcomeAccepted, fixedTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reply.Subject != "Email delivery status: accepted" {
		t.Errorf("Subject: got %q", reply.Subject)
	}
	want := "Your email to relay@example.com was processed.\n\nStatus: accepted\n"
	if reply.Body != want {
		t.Errorf("Body: got %q, want %q", reply.Body, want)
	}
	if reply.From != "relay@example.com" || reply.To != "a@x.com" {
		t.Errorf("envelope: got %q -> %q", reply.From, reply.To)
	}
}

func TestComposeElaboration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		outcome email.Outcome
		extra   string
	}{
		{email.OutcomeError, "There was an error processing your email.\n"},
		{email.OutcomeIgnored, "Your email was ignored by the system.\n"},
	}

	for _, tt := range tests {
		reply, err := Compose("relay@example.com", "a@x.com", tt.outcome, fixedTime)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasSuffix(reply.Body, "Status: "+string(tt.outcome)+"\n"+tt.extra) {
			t.Errorf("Body for %s: got %q", tt.outcome, reply.Body)
		}
	}
}

func TestComposeRawIsReadableMessage(t *testing.T) {
	t.Parallel()

	reply, err := Compose("relay@example.com", "a@x.com", email.OutcomeIgnored, fixedTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(reply.Raw))
	if err != nil {
		t.Fatalf("reading composed reply: %v", err)
	}

	subject, _ := mr.Header.Subject()
	if subject != "Email delivery status: ignored" {
		t.Errorf("Subject header: got %q", subject)
	}
	from, _ := mr.Header.AddressList("From")
	if len(from) != 1 || from[0].Address != "relay@example.com" {
		t.Errorf("From header: got %v", from)
	}
	to, _ := mr.Header.AddressList("To")
	if len(to) != 1 || to[0].Address != "a@x.com" {
		t.Errorf("To header: got %v", to)
	}
	if id, _ := mr.Header.MessageID(); !strings.HasSuffix(id, "@example.com") {
		t.Errorf("Message-Id: got %q, want suffix @example.com", id)
	}

	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	body, err := io.ReadAll(part.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	normalized := strings.ReplaceAll(string(body), "\r\n", "\n")
	if normalized != reply.Body {
		t.Errorf("decoded body: got %q, want %q", normalized, reply.Body)
	}
}

func TestComposeStripsControlCharacters(t *testing.T) {
	t.Parallel()

	reply, err := Compose("relay@example.com", "a@x.com", email.Outcome("queued\r\nBcc: evil@x.com"), fixedTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.ContainsAny(reply.Subject, "\r\n") {
		t.Errorf("Subject contains control characters: %q", reply.Subject)
	}
	if bytes.Contains(reply.Raw, []byte("\r\nBcc:")) {
		t.Error("raw reply contains injected header")
	}
}

func TestNotifySendsToParsedAddress(t *testing.T) {
	t.Parallel()

	mock := &mockTransport{}
	n := New(mock, "relay@example.com")

	if err := n.Notify(context.Background(), email.OutcomeAccepted, "Alice <a@x.com>"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.replies) != 1 {
		t.Fatalf("replies: got %d, want 1", len(mock.replies))
	}
	if mock.replies[0].To != "a@x.com" {
		t.Errorf("To: got %q, want %q", mock.replies[0].To, "a@x.com")
	}
}

func TestNotifySkipsUnparseableRecipient(t *testing.T) {
	t.Parallel()

	mock := &mockTransport{}
	n := New(mock, "relay@example.com")

	for _, recipient := range []string{"", "not an address", "<>"} {
		if err := n.Notify(context.Background(), email.OutcomeAccepted, recipient); err != nil {
			t.Errorf("Notify(%q): unexpected error: %v", recipient, err)
		}
	}
	if len(mock.replies) != 0 {
		t.Errorf("replies: got %d, want 0", len(mock.replies))
	}
}

func TestNotifyWrapsTransportError(t *testing.T) {
	t.Parallel()

	sendErr := errors.New("connection refused")
	n := New(&mockTransport{err: sendErr}, "relay@example.com")

	err := n.Notify(context.Background(), email.OutcomeError, "a@x.com")
	var notifyErr *Error
	if !errors.As(err, &notifyErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !errors.Is(err, sendErr) {
		t.Error("expected transport error to be wrapped")
	}
	if notifyErr.Recipient != "a@x.com" {
		t.Errorf("Recipient: got %q, want %q", notifyErr.Recipient, "a@x.com")
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()

	if err := New(nil, "relay@example.com").Notify(context.Background(), email.OutcomeAccepted, "a@x.com"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	var n *Notifier
	if err := n.Notify(context.Background(), email.OutcomeAccepted, "a@x.com"); err != nil {
		t.Errorf("nil notifier: unexpected error: %v", err)
	}
}
