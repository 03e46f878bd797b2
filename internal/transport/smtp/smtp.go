// Package smtp implements a Transport that submits replies to an SMTP relay.
package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mailhook/internal/email"
)

// DefaultTimeout bounds each SMTP command when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config holds the relay address and optional PLAIN credentials.
type Config struct {
	Addr     string
	Username string
	Password string
	Timeout  time.Duration
}

// Transport submits replies with MAIL FROM set to the relay identity.
// STARTTLS is used when the server offers it.
type Transport struct {
	addr     string
	username string
	password string
	timeout  time.Duration
}

// New creates a Transport for the given relay.
func New(cfg Config) *Transport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transport{
		addr:     cfg.Addr,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  timeout,
	}
}

// Send delivers reply.Raw to reply.To. Cancelling ctx closes the connection,
// so a relay that stops responding cannot hold the caller.
func (t *Transport) Send(ctx context.Context, reply *email.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := smtp.Dial(t.addr)
	if err != nil {
		return fmt.Errorf("connecting to SMTP relay %s: %w", t.addr, err)
	}
	defer c.Close()

	c.CommandTimeout = t.timeout
	c.SubmissionTimeout = t.timeout
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := t.submit(c, reply); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return fmt.Errorf("SMTP submission to %s failed: %w", t.addr, err)
	}
	return nil
}

func (t *Transport) submit(c *smtp.Client, reply *email.Reply) error {
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(nil); err != nil {
			return err
		}
	}
	if t.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.username, t.password)); err != nil {
			return err
		}
	}
	if err := c.SendMail(reply.From, []string{reply.To}, bytes.NewReader(reply.Raw)); err != nil {
		return err
	}
	return c.Quit()
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "smtp"
}
