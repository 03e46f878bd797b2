// Package parser turns raw RFC 5322 messages into email.Message values and
// extracts their attachments into an attachment store.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailhook/internal/attachment"
	"github.com/shineum/mailhook/internal/email"
)

// ErrMalformedMessage is returned when the input cannot be read as a message.
var ErrMalformedMessage = errors.New("malformed message")

// Parser parses raw messages. When extraction is enabled every attachment is
// written to the store before it is recorded on the message.
type Parser struct {
	store   attachment.Store
	extract bool
}

// New returns a Parser. Attachments are extracted only if extract is true and
// store is non-nil.
func New(store attachment.Store, extract bool) *Parser {
	return &Parser{
		store:   store,
		extract: extract && store != nil,
	}
}

// Parse reads raw into an email.Message. Missing optional headers yield empty
// fields. Attachment failures are logged and skipped; only an unreadable
// message header returns an error.
func (p *Parser) Parse(ctx context.Context, raw []byte) (*email.Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedMessage)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && (mr == nil || !isRecoverable(err)) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err != nil {
		slog.Warn("message uses an unsupported charset or encoding", "error", err)
	}
	defer mr.Close()

	msg := &email.Message{
		From:    headerText(&mr.Header, "From"),
		To:      headerText(&mr.Header, "To"),
		Subject: headerText(&mr.Header, "Subject"),
		Date:    strings.TrimSpace(mr.Header.Get("Date")),
	}
	if id, err := mr.Header.MessageID(); err == nil {
		msg.MessageID = id
	}
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.SenderAddress = addrs[0].Address
	}

	if !p.extract {
		return msg, nil
	}

	p.extractAttachments(ctx, mr, msg)
	return msg, nil
}

// extractAttachments walks every leaf part of the message and stores the ones
// that carry a filename. It never fails; problems are logged per part.
func (p *Parser) extractAttachments(ctx context.Context, mr *mail.Reader, msg *email.Message) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if part == nil || !isRecoverable(err) {
				slog.Warn("failed to read next MIME part, stopping attachment extraction",
					"message_id", msg.MessageID,
					"error", err,
				)
				return
			}
		}

		filename := partFilename(part)
		if filename == "" {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			slog.Warn("failed to decode attachment, skipping",
				"filename", filename,
				"error", err,
			)
			continue
		}
		if len(data) == 0 {
			slog.Debug("empty attachment, skipping", "filename", filename)
			continue
		}

		path, err := p.store.Put(ctx, filename, data)
		if err != nil {
			slog.Warn("failed to store attachment, skipping",
				"filename", filename,
				"error", err,
			)
			continue
		}

		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename: filename,
			Size:     int64(len(data)),
			Path:     path,
		})
	}
}

// partFilename returns the declared filename of an attachment-bearing part.
// Inline text bodies never count as attachments, even if they are named.
func partFilename(part *mail.Part) string {
	switch h := part.Header.(type) {
	case *mail.AttachmentHeader:
		name, err := h.Filename()
		if err != nil {
			slog.Debug("attachment filename could not be decoded", "error", err)
		}
		return strings.TrimSpace(name)
	case *mail.InlineHeader:
		mediaType, _, err := h.ContentType()
		if err == nil && strings.HasPrefix(mediaType, "text/") {
			return ""
		}
		ah := mail.AttachmentHeader{Header: h.Header}
		name, _ := ah.Filename()
		return strings.TrimSpace(name)
	default:
		return ""
	}
}

// headerText returns the decoded value of a header, falling back to the raw
// value when decoding fails.
func headerText(h *mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		v = h.Get(key)
	}
	return strings.TrimSpace(v)
}

func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
