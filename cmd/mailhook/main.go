// Package main is the entry point for mailhook. It runs once per invocation:
// either on a single message piped in by the MTA, or as one IMAP poll cycle.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/shineum/mailhook/internal/attachment"
	"github.com/shineum/mailhook/internal/config"
	"github.com/shineum/mailhook/internal/mailbox"
	"github.com/shineum/mailhook/internal/notify"
	"github.com/shineum/mailhook/internal/parser"
	"github.com/shineum/mailhook/internal/relay"
	mailtls "github.com/shineum/mailhook/internal/tls"
	"github.com/shineum/mailhook/internal/transport"
	"github.com/shineum/mailhook/internal/transport/sendmail"
	"github.com/shineum/mailhook/internal/transport/ses"
	"github.com/shineum/mailhook/internal/transport/smtp"
	"github.com/shineum/mailhook/internal/transport/stdout"
	"github.com/shineum/mailhook/internal/webhook"
)

// Invocation modes.
const (
	modeAuto = "auto"
	modePipe = "pipe"
	modePoll = "poll"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON configuration file (optional)")
	mode := flag.String("mode", modeAuto, "invocation mode: auto, pipe or poll")
	flag.Parse()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, aborting", "signal", sig)
		cancel()
	}()

	code := run(ctx, *configPath, *mode)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, configPath, modeFlag string) int {
	setupLogger("info")

	// Load configuration
	cfg, err := loadConfig(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return exitConfig
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	mode, input, err := resolveMode(modeFlag, stdinIsTerminal(), os.Stdin)
	if err != nil {
		slog.Error("invalid invocation mode", "error", err)
		return exitConfig
	}

	if err := cfg.Validate(mode == modePoll); err != nil {
		slog.Error("invalid configuration", "error", err)
		return exitConfig
	}

	slog.Info("starting mailhook", "mode", mode, "config", cfg)

	tr, err := selectTransport(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up reply transport", "error", err)
		return exitConfig
	}

	pipeline, err := buildPipeline(cfg, tr)
	if err != nil {
		slog.Error("failed to set up pipeline", "error", err)
		return exitFailed
	}

	switch mode {
	case modePipe:
		res, err := relay.NewPipeDriver(pipeline).Run(ctx, input)
		if err != nil {
			slog.Error("failed to process message", "error", err)
			return exitFailed
		}
		slog.Info("message processed", "outcome", res.Outcome)

	case modePoll:
		tlsConfig, err := mailtls.ClientConfig(cfg.IMAP.Host, cfg.IMAP.CAFile, cfg.IMAP.TLSSkipVerify)
		if err != nil {
			slog.Error("failed to set up IMAP TLS", "error", err)
			return exitConfig
		}

		driver := relay.NewPollDriver(relay.PollConfig{
			Dial:       imapDialer(cfg, tlsConfig),
			Username:   cfg.LocalPart,
			Address:    cfg.EmailAddress(),
			Password:   cfg.Password,
			LedgerPath: cfg.LedgerFile,
		}, pipeline)
		if _, err := driver.Run(ctx); err != nil {
			slog.Error("poll cycle failed", "error", err)
			return exitFailed
		}
	}

	return exitOK
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// resolveMode turns the -mode flag into pipe or poll and returns the reader
// the pipe driver should consume. In auto mode a terminal, or a stdin that is
// already at EOF as under cron with </dev/null, selects poll; anything else
// means the MTA is piping a message in.
func resolveMode(flagValue string, stdinTerminal bool, stdin io.Reader) (string, io.Reader, error) {
	switch flagValue {
	case modePipe, modePoll:
		return flagValue, stdin, nil
	case modeAuto, "":
		if stdinTerminal {
			return modePoll, stdin, nil
		}
		br := bufio.NewReader(stdin)
		if _, err := br.Peek(1); errors.Is(err, io.EOF) {
			return modePoll, br, nil
		}
		return modePipe, br, nil
	default:
		return "", nil, fmt.Errorf("unknown mode %q", flagValue)
	}
}

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// setupLogger configures the global slog logger with JSON output on stderr
// and the specified log level. Stdout is left to the stdout transport.
func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selectTransport chooses the status reply backend. A nil transport means
// replies are disabled.
func selectTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Notify.Transport {
	case config.TransportSendmail:
		slog.Debug("using sendmail transport", "path", cfg.Notify.SendmailPath)
		return sendmail.New(cfg.Notify.SendmailPath), nil

	case config.TransportSMTP:
		slog.Debug("using SMTP transport", "addr", cfg.Notify.SMTP.Addr)
		return smtp.New(smtp.Config{
			Addr:     cfg.Notify.SMTP.Addr,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
		}), nil

	case config.TransportSES:
		slog.Debug("using AWS SES transport", "region", cfg.Notify.SES.Region)
		t, err := ses.New(ctx, ses.Config{
			Region:          cfg.Notify.SES.Region,
			AccessKeyID:     cfg.Notify.SES.AccessKeyID,
			SecretAccessKey: cfg.Notify.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return t, nil

	case config.TransportStdout:
		return stdout.New(), nil

	case config.TransportNone:
		slog.Info("status replies disabled")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Notify.Transport)
	}
}

func buildPipeline(cfg *config.Config, tr transport.Transport) (*relay.Pipeline, error) {
	var store attachment.Store
	if cfg.ParseAttachments {
		fs, err := attachment.NewFilesystemStore(cfg.AttachmentsDir)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	dispatcher := webhook.New(webhook.Config{
		URL:      cfg.WebhookURL,
		Identity: cfg.EmailAddress(),
		Timeout:  cfg.WebhookTimeout,
	})

	var notifier relay.Notifier
	if tr != nil {
		notifier = notify.New(tr, cfg.EmailAddress())
	}

	return relay.NewPipeline(parser.New(store, cfg.ParseAttachments), dispatcher, notifier, cfg.APISecret), nil
}

func imapDialer(cfg *config.Config, tlsConfig *tls.Config) relay.Dialer {
	return func(ctx context.Context) (relay.Session, error) {
		s, err := mailbox.Dial(ctx, mailbox.Config{
			Host:           cfg.IMAP.Host,
			Port:           cfg.IMAP.Port,
			Security:       cfg.IMAP.Security,
			DialTimeout:    cfg.IMAP.DialTimeout,
			CommandTimeout: cfg.IMAP.CommandTimeout,
			TLSConfig:      tlsConfig,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
