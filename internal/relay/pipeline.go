// Package relay wires the per-message pipeline (parse, store, sign, dispatch,
// notify) and the drivers that feed it from standard input or an IMAP mailbox.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/mailhook/internal/email"
	"github.com/shineum/mailhook/internal/signature"
	"github.com/shineum/mailhook/internal/webhook"
)

// MessageParser turns raw bytes into a message, storing attachments as a side effect.
type MessageParser interface {
	Parse(ctx context.Context, raw []byte) (*email.Message, error)
}

// Dispatcher posts a signed payload and reports the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, body []byte, signature string) (email.Outcome, error)
}

// Notifier sends the status reply. Errors are logged by the pipeline and
// otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, outcome email.Outcome, recipient string) error
}

// Pipeline processes one raw message end to end.
type Pipeline struct {
	parser     MessageParser
	dispatcher Dispatcher
	notifier   Notifier
	secret     string
}

// NewPipeline assembles a Pipeline. notifier may be nil to disable replies.
func NewPipeline(parser MessageParser, dispatcher Dispatcher, notifier Notifier, secret string) *Pipeline {
	return &Pipeline{
		parser:     parser,
		dispatcher: dispatcher,
		notifier:   notifier,
		secret:     secret,
	}
}

// Result summarizes one pipeline run.
type Result struct {
	Message *email.Message
	Outcome email.Outcome
	// DispatchErr and NotifyErr are informational; neither fails the run.
	DispatchErr error
	NotifyErr   error
}

// Process runs the pipeline for raw. It returns an error only if the message
// cannot be parsed or encoded; webhook and reply failures are reflected in
// the Result.
func (p *Pipeline) Process(ctx context.Context, raw []byte) (*Result, error) {
	msg, err := p.parser.Parse(ctx, raw)
	if err != nil {
		return nil, err
	}

	log := slog.With("message_id", msg.MessageID, "from", msg.From)
	log.Info("processing message",
		"subject", msg.Subject,
		"attachments", len(msg.Attachments),
	)

	body, err := webhook.Marshal(email.NewPayload(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook payload: %w", err)
	}
	sig := signature.Sign(body, p.secret)

	res := &Result{Message: msg}
	res.Outcome, res.DispatchErr = p.dispatcher.Dispatch(ctx, body, sig)
	if res.DispatchErr != nil {
		log.Error("webhook delivery failed", "error", res.DispatchErr)
	} else {
		log.Info("webhook delivered", "outcome", res.Outcome)
	}

	// The decoded From header may not reparse once a display name decodes
	// to a comma or quote, so the address parsed from the raw header is used.
	if p.notifier != nil {
		res.NotifyErr = p.notifier.Notify(ctx, res.Outcome, msg.SenderAddress)
		if res.NotifyErr != nil {
			log.Warn("status reply failed", "error", res.NotifyErr)
		}
	}

	return res, nil
}
