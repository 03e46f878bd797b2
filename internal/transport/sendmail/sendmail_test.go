package sendmail

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/shineum/mailhook/internal/email"
)

// fakeSendmail writes a shell script that records its arguments and stdin.
// Tests that exec it do not run in parallel to avoid ETXTBSY on fork.
func fakeSendmail(t *testing.T, exitCode int) (binary, argsFile, stdinFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}

	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	stdinFile = filepath.Join(dir, "stdin")
	binary = filepath.Join(dir, "sendmail")

	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > " + argsFile + "\n" +
		"cat > " + stdinFile + "\n"
	if exitCode != 0 {
		script += "echo 'queue unavailable' >&2\n"
	}
	script += "exit " + strconv.Itoa(exitCode) + "\n"

	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake sendmail: %v", err)
	}
	return binary, argsFile, stdinFile
}

func testReply() *email.Reply {
	return &email.Reply{
		From: "relay@example.com",
		To:   "a@x.com",
		Raw:  []byte("From: relay@example.com\r\nTo: a@x.com\r\n\r\nStatus: accepted\r\n"),
	}
}

func TestSendInvokesBinary(t *testing.T) {
	binary, argsFile, stdinFile := fakeSendmail(t, 0)
	if err := New(binary).Send(context.Background(), testReply()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if got, want := string(args), "-f\nrelay@example.com\na@x.com\n"; got != want {
		t.Errorf("args: got %q, want %q", got, want)
	}

	stdin, err := os.ReadFile(stdinFile)
	if err != nil {
		t.Fatalf("read stdin: %v", err)
	}
	if string(stdin) != string(testReply().Raw) {
		t.Errorf("stdin: got %q, want %q", stdin, testReply().Raw)
	}
}

func TestSendReportsFailure(t *testing.T) {
	binary, _, _ := fakeSendmail(t, 3)
	err := New(binary).Send(context.Background(), testReply())
	if err == nil {
		t.Fatal("expected error from failing sendmail")
	}
	if !strings.Contains(err.Error(), "queue unavailable") {
		t.Errorf("error: got %q, want stderr text included", err.Error())
	}
}

func TestSendMissingBinary(t *testing.T) {
	t.Parallel()

	err := New(filepath.Join(t.TempDir(), "nope")).Send(context.Background(), testReply())
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestSendRejectsFlagLikeAddress(t *testing.T) {
	binary, argsFile, _ := fakeSendmail(t, 0)
	reply := testReply()
	reply.To = "-oQ/tmp/x@example.com"

	if err := New(binary).Send(context.Background(), reply); err == nil {
		t.Fatal("expected error for flag-like recipient")
	}
	if _, err := os.Stat(argsFile); !os.IsNotExist(err) {
		t.Error("sendmail should not have been invoked")
	}
}

func TestNewDefaultPath(t *testing.T) {
	t.Parallel()

	if got := New("").path; got != DefaultPath {
		t.Errorf("path: got %q, want %q", got, DefaultPath)
	}
}
