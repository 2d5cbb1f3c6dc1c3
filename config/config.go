// Package config loads the daemon configuration file. The file is in
// sconf format; Parse returns an immutable Config that the rest of the
// daemon reads without locking.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mjl-/sconf"
)

// Config is the parsed configuration file.
type Config struct {
	Hostname string `sconf-doc:"Fully qualified hostname announced in greetings and Received headers."`

	Listener Listener `sconf-doc:"SMTP listener. The address must be concrete (no wildcard IP): delegation services connect back to it and the address is how their traffic is correlated."`

	QueueDir string `sconf-doc:"Directory holding the message queues. Must stay on one filesystem; queue state transitions are file renames."`

	MaildirRoot  string   `sconf:"optional" sconf-doc:"Directory holding local mailboxes, one maildir per local part. Required when LocalDomains is set."`
	LocalDomains []string `sconf:"optional" sconf-doc:"Domains delivered to local maildirs instead of being relayed."`

	Policy Policy `sconf-doc:"Policy rule evaluation."`

	Auth Auth `sconf:"optional" sconf-doc:"SMTP authentication."`

	Delivery Delivery `sconf:"optional" sconf-doc:"Outbound delivery and retry schedule."`

	Delegation Delegation `sconf:"optional" sconf-doc:"External filter services reached over SMTP loopback."`

	Limits Limits `sconf:"optional" sconf-doc:"Protocol limits."`

	TLS TLS `sconf:"optional" sconf-doc:"STARTTLS certificate."`

	Log Log `sconf:"optional" sconf-doc:"Logging."`

	MetricsAddr string `sconf:"optional" sconf-doc:"Address serving Prometheus metrics over HTTP, e.g. 127.0.0.1:9215. Empty disables the metrics listener."`
}

// Listener is one SMTP listening endpoint.
type Listener struct {
	Addr string `sconf-doc:"host:port to listen on, e.g. 192.0.2.1:25."`
}

// Policy configures rule evaluation.
type Policy struct {
	RulesFile string `sconf-doc:"Path to the rules file."`

	StageTimeout time.Duration `sconf:"optional" sconf-doc:"Wall-clock budget per stage evaluation. An overrun temp-fails the stage. Default 5s."`

	CapabilityTimeout time.Duration `sconf:"optional" sconf-doc:"Budget per capability module call. Default 2s."`

	DNSBlockLists []string `sconf:"optional" sconf-doc:"Zones consulted by the dnsxl capability module, in order."`
}

// Auth configures SMTP authentication.
type Auth struct {
	Mechanisms []string `sconf:"optional" sconf-doc:"Offered SASL mechanisms, e.g. PLAIN, LOGIN, ANONYMOUS. Empty disables AUTH."`

	Require bool `sconf:"optional" sconf-doc:"Require authentication before MAIL FROM."`

	AllowClearText bool `sconf:"optional" sconf-doc:"Offer plain-credential mechanisms on unencrypted sessions. Off by default: credentials would cross the wire readable."`

	CredentialsFile string `sconf:"optional" sconf-doc:"htpasswd-style file of user:password lines checked for PLAIN and LOGIN."`
}

// Delivery configures the outbound worker pool.
type Delivery struct {
	Workers int `sconf:"optional" sconf-doc:"Concurrent delivery workers. Default 4."`

	MaxAttempts int `sconf:"optional" sconf-doc:"Delivery attempts before dead-lettering. Default 5."`

	BackoffBase       time.Duration `sconf:"optional" sconf-doc:"First retry delay. Default 30s."`
	BackoffMultiplier float64       `sconf:"optional" sconf-doc:"Delay growth factor per attempt. Default 2."`
	BackoffCap        time.Duration `sconf:"optional" sconf-doc:"Upper bound on the retry delay. Default 4h."`

	ForwardAddr string `sconf:"optional" sconf-doc:"Relay all remote mail to this host:port instead of resolving MX records."`
}

// Delegation configures external filter services.
type Delegation struct {
	Services map[string]string `sconf:"optional" sconf-doc:"Filter services by name; the value is the service's SMTP address. Policy delegate directives refer to these names."`

	MaxHops int `sconf:"optional" sconf-doc:"How many times one transaction may pass through delegation before being treated as a loop. Default 5."`

	Timeout time.Duration `sconf:"optional" sconf-doc:"How long to wait for a service's result before dead-lettering. Default 5m."`
}

// Limits are the protocol limits.
type Limits struct {
	MaxMessageSize int64 `sconf:"optional" sconf-doc:"Largest accepted message in bytes. Default 25MB."`
	MaxRecipients  int   `sconf:"optional" sconf-doc:"Recipients per transaction. Default 100."`
	MaxConnections int   `sconf:"optional" sconf-doc:"Concurrent client connections. Zero means unlimited."`
	MaxErrors      int   `sconf:"optional" sconf-doc:"Protocol errors tolerated per session before disconnect. Default 10."`
}

// TLS points at the STARTTLS keypair.
type TLS struct {
	CertFile string `sconf:"optional" sconf-doc:"PEM certificate chain."`
	KeyFile  string `sconf:"optional" sconf-doc:"PEM private key."`
}

// Log configures logging.
type Log struct {
	Level string `sconf:"optional" sconf-doc:"error, warn, info or debug. Default info."`
	File  string `sconf:"optional" sconf-doc:"Log file path. Empty logs to stderr."`
}

// Load reads and validates a configuration file.
func Load(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	var c Config
	if err := sconf.Parse(f, &c); err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return &c, nil
}

// Validate checks constraints the type system cannot.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("Hostname is required")
	}
	if c.QueueDir == "" {
		return fmt.Errorf("QueueDir is required")
	}
	if c.Policy.RulesFile == "" {
		return fmt.Errorf("Policy.RulesFile is required")
	}

	host, _, err := net.SplitHostPort(c.Listener.Addr)
	if err != nil {
		return fmt.Errorf("Listener.Addr %q: %w", c.Listener.Addr, err)
	}

	// Delegation results come back over this listener; a wildcard bind
	// would leave the services without a concrete address to return to.
	if len(c.Delegation.Services) > 0 {
		if host == "" {
			return fmt.Errorf("Listener.Addr %q: delegation requires a concrete listen address, not a wildcard", c.Listener.Addr)
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
			return fmt.Errorf("Listener.Addr %q: delegation requires a concrete listen address, not a wildcard", c.Listener.Addr)
		}
		for name, addr := range c.Delegation.Services {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("Delegation.Services.%s address %q: %w", name, addr, err)
			}
		}
	}

	if len(c.LocalDomains) > 0 && c.MaildirRoot == "" {
		return fmt.Errorf("MaildirRoot is required when LocalDomains is set")
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("TLS.CertFile and TLS.KeyFile must be set together")
	}

	for _, mechanism := range c.Auth.Mechanisms {
		switch mechanism {
		case "PLAIN", "LOGIN", "ANONYMOUS":
		default:
			return fmt.Errorf("Auth.Mechanisms: unsupported mechanism %q", mechanism)
		}
	}
	if c.Auth.Require && len(c.Auth.Mechanisms) == 0 {
		return fmt.Errorf("Auth.Require needs at least one mechanism")
	}
	for _, mechanism := range c.Auth.Mechanisms {
		if (mechanism == "PLAIN" || mechanism == "LOGIN") && c.Auth.CredentialsFile == "" {
			return fmt.Errorf("Auth.CredentialsFile is required when %s is offered", mechanism)
		}
	}

	if c.Delivery.BackoffMultiplier != 0 && c.Delivery.BackoffMultiplier < 1 {
		return fmt.Errorf("Delivery.BackoffMultiplier must be at least 1")
	}

	switch c.Log.Level {
	case "", "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("Log.Level: unknown level %q", c.Log.Level)
	}

	return nil
}

// Describe renders an annotated example configuration.
func Describe(c *Config) (string, error) {
	var sb strings.Builder
	if err := sconf.Describe(&sb, c); err != nil {
		return "", err
	}
	return sb.String(), nil
}
