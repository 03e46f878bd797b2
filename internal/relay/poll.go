package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shineum/mailhook/internal/ledger"
)

var (
	// ErrAuthFailure is returned when neither login name is accepted.
	ErrAuthFailure = errors.New("mailbox authentication failed")
	// ErrSession wraps any mailbox failure that aborts a poll cycle.
	ErrSession = errors.New("mailbox session failed")
)

// Session is the subset of an IMAP session the poll cycle drives. Message
// identifiers are UIDs of the selected mailbox.
type Session interface {
	Login(ctx context.Context, username, password string) error
	// SelectInbox selects INBOX and returns its UIDVALIDITY.
	SelectInbox(ctx context.Context) (uint32, error)
	// SearchAll returns the UIDs of every message in listing order.
	SearchAll(ctx context.Context) ([]uint32, error)
	Fetch(ctx context.Context, uid uint32) ([]byte, error)
	MarkDeleted(ctx context.Context, uid uint32) error
	Expunge(ctx context.Context) error
	// CloseMailbox deselects the mailbox.
	CloseMailbox(ctx context.Context) error
	Logout(ctx context.Context) error
	// Close releases the connection. It is safe to call after Logout.
	Close() error
}

// Dialer opens a new unauthenticated Session.
type Dialer func(ctx context.Context) (Session, error)

// PollConfig holds what a PollDriver needs besides the pipeline.
type PollConfig struct {
	Dial Dialer
	// Username is tried first; Address is the fallback login name.
	Username   string
	Address    string
	Password   string
	LedgerPath string
}

// PollStats counts what happened during one cycle.
type PollStats struct {
	Listed    int
	Skipped   int
	Processed int
	Failed    int
	Pruned    int
}

// PollDriver runs one poll cycle per call to Run.
type PollDriver struct {
	cfg      PollConfig
	pipeline *Pipeline
}

// NewPollDriver returns a PollDriver.
func NewPollDriver(cfg PollConfig, p *Pipeline) *PollDriver {
	return &PollDriver{cfg: cfg, pipeline: p}
}

// Run performs one cycle: lock, load ledger, connect, authenticate, process
// every unseen message, expunge, log out, persist ledger. Any mailbox failure
// aborts the cycle before the ledger is written.
func (d *PollDriver) Run(ctx context.Context) (*PollStats, error) {
	lock, err := ledger.Lock(d.cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release ledger lock", "error", err)
		}
	}()

	led, err := ledger.Load(d.cfg.LedgerPath)
	if err != nil {
		return nil, err
	}

	sess, err := d.cfg.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrSession, err)
	}
	defer sess.Close()

	if err := d.login(ctx, sess); err != nil {
		return nil, err
	}

	stats, err := d.cycle(ctx, sess, led)
	if err != nil {
		return stats, err
	}

	if err := led.Save(); err != nil {
		return stats, err
	}

	slog.Info("poll cycle complete",
		"listed", stats.Listed,
		"processed", stats.Processed,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"pruned", stats.Pruned,
	)
	return stats, nil
}

// login tries the local part first and falls back to the full address, since
// servers disagree on which one is the account name.
func (d *PollDriver) login(ctx context.Context, sess Session) error {
	err := sess.Login(ctx, d.cfg.Username, d.cfg.Password)
	if err == nil {
		return nil
	}
	slog.Debug("login with local part failed, retrying with full address",
		"username", d.cfg.Username,
		"error", err,
	)

	if d.cfg.Address == "" || d.cfg.Address == d.cfg.Username {
		return fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	if err := sess.Login(ctx, d.cfg.Address, d.cfg.Password); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	return nil
}

func (d *PollDriver) cycle(ctx context.Context, sess Session, led *ledger.Ledger) (*PollStats, error) {
	stats := &PollStats{}

	validity, err := sess.SelectInbox(ctx)
	if err != nil {
		return stats, fmt.Errorf("%w: select: %w", ErrSession, err)
	}

	uids, err := sess.SearchAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("%w: search: %w", ErrSession, err)
	}
	stats.Listed = len(uids)

	keys := make([]string, len(uids))
	listed := make(map[string]bool, len(uids))
	for i, uid := range uids {
		keys[i] = messageKey(validity, uid)
		listed[keys[i]] = true
	}
	stats.Pruned = led.Retain(func(id string) bool { return listed[id] })

	for i, uid := range uids {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("%w: %w", ErrSession, err)
		}

		key := keys[i]
		if led.Contains(key) {
			stats.Skipped++
			continue
		}

		raw, err := sess.Fetch(ctx, uid)
		if err != nil {
			return stats, fmt.Errorf("%w: fetch uid %d: %w", ErrSession, uid, err)
		}

		if _, err := d.pipeline.Process(ctx, raw); err != nil {
			slog.Error("failed to process message, leaving it in the mailbox",
				"uid", uid,
				"error", err,
			)
			stats.Failed++
			continue
		}

		led.Add(key)
		if err := sess.MarkDeleted(ctx, uid); err != nil {
			return stats, fmt.Errorf("%w: mark uid %d deleted: %w", ErrSession, uid, err)
		}
		stats.Processed++
	}

	if err := sess.Expunge(ctx); err != nil {
		return stats, fmt.Errorf("%w: expunge: %w", ErrSession, err)
	}
	if err := sess.CloseMailbox(ctx); err != nil {
		return stats, fmt.Errorf("%w: close: %w", ErrSession, err)
	}
	if err := sess.Logout(ctx); err != nil {
		return stats, fmt.Errorf("%w: logout: %w", ErrSession, err)
	}

	return stats, nil
}

// messageKey identifies a message across sessions. UIDs are only stable
// within one UIDVALIDITY, so both are part of the key.
func messageKey(validity, uid uint32) string {
	return strconv.FormatUint(uint64(validity), 10) + ":" + strconv.FormatUint(uint64(uid), 10)
}
