package mailbox

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/shineum/mailhook/internal/parser"
	"github.com/shineum/mailhook/internal/relay"
	"github.com/shineum/mailhook/internal/webhook"
)

// startMemServer serves an in-memory mailbox for relay@example.com and
// returns the user so tests can deliver messages into INBOX.
func startMemServer(t *testing.T) (*imapmemserver.User, int) {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser("relay@example.com", "pw")
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create INBOX: %v", err)
	}
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return user, ln.Addr().(*net.TCPAddr).Port
}

func deliver(t *testing.T, user *imapmemserver.User, raw string) {
	t.Helper()
	if _, err := user.Append("INBOX", bytes.NewReader([]byte(raw)), &imap.AppendOptions{}); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestPollCycleAgainstIMAPServer(t *testing.T) {
	t.Parallel()

	user, port := startMemServer(t)
	for _, subject := range []string{"one", "two", "three"} {
		deliver(t, user, "From: a@x.com\r\nTo: relay@example.com\r\nSubject: "+subject+"\r\n\r\nbody\r\n")
	}

	var hits atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		hits.Add(1)
		io.WriteString(w, `{"status":"accepted"}`)
	}))
	defer hook.Close()

	pipeline := relay.NewPipeline(
		parser.New(nil, false),
		webhook.New(webhook.Config{URL: hook.URL, Identity: "relay@example.com"}),
		nil,
		"s3cret",
	)
	driver := relay.NewPollDriver(relay.PollConfig{
		Dial: func(ctx context.Context) (relay.Session, error) {
			s, err := Dial(ctx, Config{
				Host:           "127.0.0.1",
				Port:           port,
				Security:       SecurityInsecure,
				CommandTimeout: 5 * time.Second,
			})
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		// The server only knows the full address, so login falls back to it.
		Username:   "relay",
		Address:    "relay@example.com",
		Password:   "pw",
		LedgerPath: filepath.Join(t.TempDir(), "processed_uids.json"),
	}, pipeline)

	stats, err := driver.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if stats.Listed != 3 || stats.Processed != 3 {
		t.Errorf("first run stats: got %+v, want 3 listed and 3 processed", *stats)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("webhook calls: got %d, want 3", got)
	}

	stats, err = driver.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if stats.Listed != 0 || stats.Processed != 0 {
		t.Errorf("second run stats: got %+v, want an empty mailbox", *stats)
	}
	if stats.Pruned != 3 {
		t.Errorf("Pruned: got %d, want 3", stats.Pruned)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("webhook calls after second run: got %d, want 3", got)
	}
}

func TestSessionFetchLeavesMessageUnseen(t *testing.T) {
	t.Parallel()

	user, port := startMemServer(t)
	const raw = "From: a@x.com\r\nSubject: peek\r\n\r\nbody\r\n"
	deliver(t, user, raw)

	ctx := context.Background()
	s, err := Dial(ctx, Config{
		Host:           "127.0.0.1",
		Port:           port,
		Security:       SecurityInsecure,
		CommandTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if err := s.Login(ctx, "relay@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := s.SelectInbox(ctx); err != nil {
		t.Fatalf("SelectInbox: %v", err)
	}
	uids, err := s.SearchAll(ctx)
	if err != nil {
		t.Fatalf("SearchAll: %v", err)
	}
	if len(uids) != 1 {
		t.Fatalf("SearchAll: got %v, want one UID", uids)
	}

	got, err := s.Fetch(ctx, uids[0])
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != raw {
		t.Errorf("Fetch: got %q, want %q", got, raw)
	}

	unseen, err := s.client.UIDSearch(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}, nil).Wait()
	if err != nil {
		t.Fatalf("search unseen: %v", err)
	}
	if len(unseen.AllUIDs()) != 1 {
		t.Errorf("message should still be unseen after Fetch")
	}

	if err := s.CloseMailbox(ctx); err != nil {
		t.Fatalf("CloseMailbox: %v", err)
	}
	if err := s.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
}

func TestSessionLoginRejected(t *testing.T) {
	t.Parallel()

	_, port := startMemServer(t)
	ctx := context.Background()
	s, err := Dial(ctx, Config{
		Host:           "127.0.0.1",
		Port:           port,
		Security:       SecurityInsecure,
		CommandTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if err := s.Login(ctx, "relay", "pw"); err == nil {
		t.Error("expected login with unknown user to fail")
	}
}
