package smtp

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/shineum/mailhook/internal/email"
)

// recordingBackend captures the envelope and data of every transaction.
type recordingBackend struct {
	mu   sync.Mutex
	from string
	to   []string
	data []byte
}

func (b *recordingBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &recordingSession{backend: b}, nil
}

type recordingSession struct {
	backend *recordingBackend
}

func (s *recordingSession) Mail(from string, _ *smtp.MailOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.from = from
	return nil
}

func (s *recordingSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.to = append(s.backend.to, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.data = data
	return nil
}

func (s *recordingSession) Reset() {}

func (s *recordingSession) Logout() error {
	return nil
}

func startServer(t *testing.T) (*recordingBackend, string) {
	t.Helper()

	be := &recordingBackend{}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return be, ln.Addr().String()
}

func TestSendSubmitsReply(t *testing.T) {
	t.Parallel()

	be, addr := startServer(t)
	reply := &email.Reply{
		From: "relay@example.com",
		To:   "a@x.com",
		Raw:  []byte("From: relay@example.com\r\nTo: a@x.com\r\nSubject: Email delivery status: accepted\r\n\r\nStatus: accepted\r\n"),
	}

	if err := New(Config{Addr: addr}).Send(context.Background(), reply); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if be.from != "relay@example.com" {
		t.Errorf("MAIL FROM: got %q, want %q", be.from, "relay@example.com")
	}
	if len(be.to) != 1 || be.to[0] != "a@x.com" {
		t.Errorf("RCPT TO: got %v, want [a@x.com]", be.to)
	}
	if string(be.data) != string(reply.Raw) {
		t.Errorf("DATA: got %q, want %q", be.data, reply.Raw)
	}
}

func TestSendUnreachableRelay(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	err = New(Config{Addr: addr}).Send(context.Background(), &email.Reply{From: "relay@example.com", To: "a@x.com"})
	if err == nil {
		t.Fatal("expected error for unreachable relay")
	}
}

func TestSendCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(Config{Addr: "127.0.0.1:1"}).Send(ctx, &email.Reply{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestSendAbortsOnSilentRelay(t *testing.T) {
	t.Parallel()

	// Greets, then never answers EHLO.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.WriteString(conn, "220 localhost ESMTP\r\n")
		io.Copy(io.Discard, conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = New(Config{Addr: ln.Addr().String()}).Send(ctx, &email.Reply{
		From: "relay@example.com",
		To:   "a@x.com",
		Raw:  []byte("Subject: x\r\n\r\nbody\r\n"),
	})
	if err == nil {
		t.Fatal("expected error for a relay that stops responding")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the context deadline in the error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Send took %v, expected it to stop at the context deadline", elapsed)
	}
}

func TestNewDefaultTimeout(t *testing.T) {
	t.Parallel()

	if got := New(Config{Addr: "localhost:25"}).timeout; got != DefaultTimeout {
		t.Errorf("timeout: got %v, want %v", got, DefaultTimeout)
	}
	if got := New(Config{Addr: "localhost:25", Timeout: time.Second}).timeout; got != time.Second {
		t.Errorf("timeout: got %v, want %v", got, time.Second)
	}
}
