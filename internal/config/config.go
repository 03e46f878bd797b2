// Package config provides file-plus-environment configuration loading for
// mailhook. Files are parsed with yaml.v3, so JSON files are accepted too.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDataDir        = "./data"
	defaultWebhookTimeout = 10 * time.Second
	defaultSendmailPath   = "/usr/sbin/sendmail"
	minTimeout            = time.Second
)

// Notify transport names.
const (
	TransportSendmail = "sendmail"
	TransportSMTP     = "smtp"
	TransportSES      = "ses"
	TransportStdout   = "stdout"
	TransportNone     = "none"
)

// Config holds the complete application configuration. It is loaded once
// and not modified afterwards.
type Config struct {
	WebhookURL       string `yaml:"webhook_url"`
	APISecret        string `yaml:"api_secret"`
	LocalPart        string `yaml:"local_part"`
	Domain           string `yaml:"domain"`
	ParseAttachments bool   `yaml:"parse_attachments"`
	Password         string `yaml:"password"`

	DataDir        string        `yaml:"data_dir"`
	AttachmentsDir string        `yaml:"attachments_dir"`
	LedgerFile     string        `yaml:"ledger_file"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	IMAP    IMAPConfig    `yaml:"imap"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

// IMAPConfig holds the mailbox server settings used in poll mode.
type IMAPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Security       string        `yaml:"security"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// CAFile adds trusted roots for servers with private certificates.
	CAFile        string `yaml:"ca_file"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
}

// NotifyConfig selects the transport for status replies.
type NotifyConfig struct {
	Transport    string     `yaml:"transport"`
	SendmailPath string     `yaml:"sendmail_path"`
	SMTP         SMTPConfig `yaml:"smtp"`
	SES          SESConfig  `yaml:"ses"`
}

// SMTPConfig holds the outbound SMTP relay settings.
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Error reports an unusable configuration.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) *Error {
	return &Error{Field: field, Err: fmt.Errorf(format, args...)}
}

// Load loads configuration from environment variables on top of defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	cfg.finalize()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or JSON file as the base
// layer, then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to read config file: %w", err)}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Err: fmt.Errorf("failed to parse config file %s: %w", path, err)}
	}

	// Environment variables always override file values
	cfg.applyEnvVars()
	cfg.finalize()

	return cfg, nil
}

// EmailAddress returns the relay identity, local_part@domain.
func (c *Config) EmailAddress() string {
	return c.LocalPart + "@" + c.Domain
}

// Validate checks the settings every mode needs. The IMAP password is only
// required when requirePassword is set.
func (c *Config) Validate(requirePassword bool) error {
	if c.WebhookURL == "" {
		return invalid("webhook_url", "is required")
	}
	u, err := url.Parse(c.WebhookURL)
	if err != nil {
		return &Error{Field: "webhook_url", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("webhook_url", "must be an http(s) URL or a path starting with /, got %q", c.WebhookURL)
	}
	if c.APISecret == "" {
		return invalid("api_secret", "is required")
	}
	if c.LocalPart == "" {
		return invalid("local_part", "is required")
	}
	if c.Domain == "" {
		return invalid("domain", "is required")
	}
	if requirePassword && c.Password == "" {
		return invalid("password", "is required in poll mode")
	}

	// A bare number in the file decodes as nanoseconds; durations need a unit.
	if c.WebhookTimeout < minTimeout {
		return invalid("webhook_timeout", "must be at least %v, got %v (use a unit, e.g. \"10s\")", minTimeout, c.WebhookTimeout)
	}
	if c.IMAP.DialTimeout < minTimeout {
		return invalid("imap.dial_timeout", "must be at least %v, got %v", minTimeout, c.IMAP.DialTimeout)
	}
	if c.IMAP.CommandTimeout < minTimeout {
		return invalid("imap.command_timeout", "must be at least %v, got %v", minTimeout, c.IMAP.CommandTimeout)
	}

	switch c.IMAP.Security {
	case "tls", "starttls", "insecure":
	default:
		return invalid("imap.security", "unsupported mode %q", c.IMAP.Security)
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		return invalid("imap.port", "out of range: %d", c.IMAP.Port)
	}

	switch c.Notify.Transport {
	case TransportSendmail, TransportStdout, TransportNone:
	case TransportSMTP:
		if c.Notify.SMTP.Addr == "" {
			return invalid("notify.smtp.addr", "is required for the smtp transport")
		}
	case TransportSES:
		if c.Notify.SES.Region == "" {
			return invalid("notify.ses.region", "is required for the ses transport")
		}
	default:
		return invalid("notify.transport", "unknown transport %q", c.Notify.Transport)
	}

	return nil
}

// LogValue implements slog.LogValuer. Secrets are never included.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("webhook_url", c.WebhookURL),
		slog.String("address", c.EmailAddress()),
		slog.Bool("parse_attachments", c.ParseAttachments),
		slog.String("attachments_dir", c.AttachmentsDir),
		slog.String("ledger_file", c.LedgerFile),
		slog.String("imap", net.JoinHostPort(c.IMAP.Host, strconv.Itoa(c.IMAP.Port))),
		slog.String("imap_security", c.IMAP.Security),
		slog.String("notify_transport", c.Notify.Transport),
		slog.Bool("api_secret_set", c.APISecret != ""),
		slog.Bool("password_set", c.Password != ""),
	)
}

// applyDefaults sets sensible default values for all configuration fields.
// Paths derived from data_dir are filled in by finalize.
func (c *Config) applyDefaults() {
	c.DataDir = defaultDataDir
	c.WebhookTimeout = defaultWebhookTimeout
	c.IMAP.Host = "localhost"
	c.IMAP.Port = 993
	c.IMAP.Security = "tls"
	c.IMAP.DialTimeout = 30 * time.Second
	c.IMAP.CommandTimeout = 60 * time.Second
	c.Notify.Transport = TransportSendmail
	c.Notify.SendmailPath = defaultSendmailPath
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.APISecret = v
	}
	if v := os.Getenv("MAIL_LOCAL_PART"); v != "" {
		c.LocalPart = v
	}
	if v := os.Getenv("MAIL_DOMAIN"); v != "" {
		c.Domain = v
	}
	if v := os.Getenv("PARSE_ATTACHMENTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ParseAttachments = b
		}
	}
	if v := os.Getenv("IMAP_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}

	if v := os.Getenv("IMAP_HOST"); v != "" {
		c.IMAP.Host = v
	}
	if v := os.Getenv("IMAP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.IMAP.Port = port
		}
	}
	if v := os.Getenv("IMAP_SECURITY"); v != "" {
		c.IMAP.Security = strings.ToLower(v)
	}
	if v := os.Getenv("IMAP_CA_FILE"); v != "" {
		c.IMAP.CAFile = v
	}
	if v := os.Getenv("IMAP_TLS_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.IMAP.TLSSkipVerify = b
		}
	}

	if v := os.Getenv("NOTIFY_TRANSPORT"); v != "" {
		c.Notify.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("SENDMAIL_PATH"); v != "" {
		c.Notify.SendmailPath = v
	}
	if v := os.Getenv("SMTP_ADDR"); v != "" {
		c.Notify.SMTP.Addr = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.Notify.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.Notify.SMTP.Password = v
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		c.Notify.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Notify.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Notify.SES.SecretAccessKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// finalize derives dependent paths and rewrites a relative webhook path to
// the loopback interface.
func (c *Config) finalize() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.AttachmentsDir == "" {
		c.AttachmentsDir = filepath.Join(c.DataDir, "attachments")
	}
	if c.LedgerFile == "" {
		c.LedgerFile = filepath.Join(c.DataDir, "processed_uids.json")
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = defaultWebhookTimeout
	}
	if c.Notify.SendmailPath == "" {
		c.Notify.SendmailPath = defaultSendmailPath
	}

	if strings.HasPrefix(c.WebhookURL, "/") {
		c.WebhookURL = "http://127.0.0.1" + c.WebhookURL
	}
}
