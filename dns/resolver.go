package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ClientConfig configures the wire-level resolver.
type ClientConfig struct {
	// Nameservers to query as "host:port". When empty, the servers from
	// /etc/resolv.conf are used, falling back to public resolvers.
	Nameservers []string

	// Timeout per query. Defaults to 5 seconds.
	Timeout time.Duration

	// Retries per nameserver for transient failures. Defaults to 2.
	Retries int
}

// Client resolves names by speaking DNS directly via github.com/miekg/dns,
// which gives control over nameserver selection and rcode handling that the
// standard library resolver hides.
type Client struct {
	config ClientConfig
	client *mdns.Client
}

// NewClient creates a resolver, filling config defaults.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	return &Client{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// LookupMX returns MX records for domain, sorted by preference.
func (c *Client) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	answers, err := c.query(ctx, domain, mdns.TypeMX)
	if err != nil {
		return nil, err
	}

	var records []*net.MX
	for _, ans := range answers {
		if mx, ok := ans.(*mdns.MX); ok {
			records = append(records, &net.MX{
				Host: strings.TrimSuffix(mx.Mx, "."),
				Pref: mx.Preference,
			})
		}
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	return records, nil
}

// LookupIP returns A and AAAA records for host.
func (c *Client) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	var lastErr error
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		answers, err := c.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ans := range answers {
			switch r := ans.(type) {
			case *mdns.A:
				ips = append(ips, r.A)
			case *mdns.AAAA:
				ips = append(ips, r.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ErrNotFound
	}
	return ips, nil
}

// LookupTXT returns TXT records for name, each record's strings joined.
func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answers, err := c.query(ctx, name, mdns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var records []string
	for _, ans := range answers {
		if txt, ok := ans.(*mdns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// query runs one question against the configured nameservers with retries.
func (c *Client) query(ctx context.Context, name string, qtype uint16) ([]mdns.RR, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		for _, server := range c.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTemporary, err)
			}

			r, _, err := c.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = fmt.Errorf("%w: %v", ErrTemporary, err)
				continue
			}

			switch r.Rcode {
			case mdns.RcodeSuccess:
				if len(r.Answer) == 0 {
					return nil, ErrNotFound
				}
				return r.Answer, nil
			case mdns.RcodeNameError:
				return nil, ErrNotFound
			default:
				lastErr = fmt.Errorf("%w: rcode %s from %s", ErrTemporary, mdns.RcodeToString[r.Rcode], server)
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no nameservers responded", ErrTemporary)
	}
	return nil, lastErr
}
