// Package sendmail implements a Transport that hands replies to a local
// sendmail-compatible binary.
package sendmail

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shineum/mailhook/internal/email"
)

// DefaultPath is the conventional location of the MTA's sendmail interface.
const DefaultPath = "/usr/sbin/sendmail"

// Transport runs `<path> -f <from> <to>` with the raw reply on standard input.
type Transport struct {
	path string
}

// New creates a Transport for the given binary, or DefaultPath if empty.
func New(path string) *Transport {
	if path == "" {
		path = DefaultPath
	}
	return &Transport{path: path}
}

// Send invokes sendmail and waits for it to exit.
func (t *Transport) Send(ctx context.Context, reply *email.Reply) error {
	// Addresses come from untrusted headers; never let one become a flag.
	for _, addr := range []string{reply.From, reply.To} {
		if addr == "" || strings.HasPrefix(addr, "-") {
			return fmt.Errorf("refusing to pass address %q to sendmail", addr)
		}
	}

	cmd := exec.CommandContext(ctx, t.path, "-f", reply.From, reply.To)
	cmd.Stdin = bytes.NewReader(reply.Raw)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("sendmail failed: %w: %s", err, msg)
		}
		return fmt.Errorf("sendmail failed: %w", err)
	}
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "sendmail"
}
