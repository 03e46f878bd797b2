// Package mailbox implements the IMAP session used by the poll driver on top
// of go-imap v2.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Connection security modes.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityInsecure = "insecure"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultCommandTimeout = 60 * time.Second
)

// Config describes how to reach the IMAP server.
type Config struct {
	Host     string
	Port     int
	Security string

	DialTimeout time.Duration
	// CommandTimeout bounds each IMAP command. There is no deadline between
	// commands, so slow message processing does not drop the connection.
	CommandTimeout time.Duration

	// TLSConfig overrides the default TLS settings; ServerName defaults to Host.
	TLSConfig *tls.Config
}

// Session is a single IMAP connection.
type Session struct {
	conn           net.Conn
	client         *imapclient.Client
	commandTimeout time.Duration
}

// Dial connects to the server described by cfg. The returned session is not
// yet authenticated.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Host == "" {
		return nil, errors.New("IMAP host is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig.ServerName == "" {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = cfg.Host
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	var (
		conn net.Conn
		err  error
	)
	switch cfg.Security {
	case SecurityTLS, "":
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	case SecurityStartTLS, SecurityInsecure:
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	default:
		return nil, fmt.Errorf("unsupported IMAP security mode %q", cfg.Security)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	s := &Session{conn: conn, commandTimeout: cfg.CommandTimeout}

	// The greeting and STARTTLS exchange are bounded by the command timeout too.
	conn.SetDeadline(time.Now().Add(cfg.CommandTimeout))
	if cfg.Security == SecurityStartTLS {
		s.client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("STARTTLS with %s: %w", addr, err)
		}
	} else {
		s.client = imapclient.New(conn, nil)
	}
	if err := s.client.WaitGreeting(); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("waiting for IMAP greeting from %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	return s, nil
}

// do runs fn with a connection deadline set from the command timeout or the
// context deadline, whichever comes first, and clears it afterwards.
func (s *Session) do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.commandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetDeadline(deadline)
	defer s.conn.SetDeadline(time.Time{})
	return fn()
}

// Login authenticates with LOGIN.
func (s *Session) Login(ctx context.Context, username, password string) error {
	return s.do(ctx, func() error {
		return s.client.Login(username, password).Wait()
	})
}

// SelectInbox selects INBOX read-write and returns its UIDVALIDITY.
func (s *Session) SelectInbox(ctx context.Context) (uint32, error) {
	var validity uint32
	err := s.do(ctx, func() error {
		data, err := s.client.Select("INBOX", nil).Wait()
		if err != nil {
			return err
		}
		validity = data.UIDValidity
		return nil
	})
	return validity, err
}

// SearchAll returns every UID in the selected mailbox in ascending order.
func (s *Session) SearchAll(ctx context.Context) ([]uint32, error) {
	var uids []uint32
	err := s.do(ctx, func() error {
		data, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return err
		}
		for _, uid := range data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return nil
	})
	slices.Sort(uids)
	return uids, err
}

// Fetch returns the full RFC 822 content of uid without setting \Seen.
func (s *Session) Fetch(ctx context.Context, uid uint32) ([]byte, error) {
	var raw []byte
	err := s.do(ctx, func() error {
		section := &imap.FetchItemBodySection{Peek: true}
		fetchCmd := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		})
		msgs, err := fetchCmd.Collect()
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("message UID %d not found", uid)
		}
		raw = msgs[0].FindBodySection(section)
		if raw == nil {
			return fmt.Errorf("message UID %d returned no body", uid)
		}
		return nil
	})
	return raw, err
}

// MarkDeleted adds \Deleted to uid. The message is removed by Expunge.
func (s *Session) MarkDeleted(ctx context.Context, uid uint32) error {
	return s.do(ctx, func() error {
		return s.client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil).Close()
	})
}

// Expunge permanently removes messages flagged \Deleted.
func (s *Session) Expunge(ctx context.Context) error {
	return s.do(ctx, func() error {
		return s.client.Expunge().Close()
	})
}

// CloseMailbox issues CLOSE, leaving the authenticated state.
func (s *Session) CloseMailbox(ctx context.Context) error {
	return s.do(ctx, func() error {
		return s.client.UnselectAndExpunge().Wait()
	})
}

// Logout ends the session.
func (s *Session) Logout(ctx context.Context) error {
	return s.do(ctx, func() error {
		return s.client.Logout().Wait()
	})
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.client.Close()
}
