// Package stdout implements a Transport that prints replies instead of sending them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/mailhook/internal/email"
)

// Transport prints replies in a human-readable format.
type Transport struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Transport that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// Send prints the reply headers and body.
func (t *Transport) Send(_ context.Context, reply *email.Reply) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("From: %s\n", reply.From))
	b.WriteString(fmt.Sprintf("To: %s\n", reply.To))
	b.WriteString(fmt.Sprintf("Subject: %s\n", reply.Subject))
	b.WriteString("Body:\n")
	b.WriteString(reply.Body)
	if !strings.HasSuffix(reply.Body, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("========================================\n")

	if _, err := fmt.Fprint(t.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}
