// Package upstream is the nameserver-interaction submodule §4.3 delegates
// to: it sends A/AAAA queries to the configured `nserver` list and parses
// replies, using github.com/miekg/dns for message construction and wire
// decoding instead of hand-rolling RFC 1035 framing.
package upstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Client queries a fixed list of nameservers (IPv4 only, per `nserver
// <ipv4>[,...]` in the config grammar), retrying across all of them in
// order before giving up.
type Client struct {
	Nameservers []string
	Timeout     time.Duration
	dnsClient   *dns.Client
}

// New builds a Client. A zero Timeout defaults to 5 seconds.
func New(nameservers []string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		Nameservers: nameservers,
		Timeout:     timeout,
		dnsClient:   &dns.Client{Timeout: timeout, Net: "udp"},
	}
}

// Lookup queries every configured nameserver in turn for both A and AAAA
// records, stopping at the first nameserver that answers either query
// successfully. It returns separate IPv4/IPv6 lists so the caller's cache
// can serve either ip-version from one round trip.
func (c *Client) Lookup(ctx context.Context, hostname string) (v4, v6 []net.IP, err error) {
	if len(c.Nameservers) == 0 {
		return nil, nil, fmt.Errorf("dnsresolver: no nameservers configured")
	}

	var lastErr error
	for _, ns := range c.Nameservers {
		addr := net.JoinHostPort(ns, "53")

		a, aErr := c.query(ctx, addr, hostname, dns.TypeA)
		aaaa, aaaaErr := c.query(ctx, addr, hostname, dns.TypeAAAA)

		if aErr == nil {
			v4 = extractIPs(a)
		}
		if aaaaErr == nil {
			v6 = extractIPs(aaaa)
		}

		if aErr == nil || aaaaErr == nil {
			return v4, v6, nil
		}
		lastErr = aErr
		if lastErr == nil {
			lastErr = aaaaErr
		}
	}
	return nil, nil, fmt.Errorf("dnsresolver: all nameservers failed for %q: %w", hostname, lastErr)
}

func (c *Client) query(ctx context.Context, nsAddr, hostname string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	m.RecursionDesired = true

	resp, _, err := c.dnsClient.ExchangeContext(ctx, m, nsAddr)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnsresolver: %s returned rcode %s for %q", nsAddr, dns.RcodeToString[resp.Rcode], hostname)
	}
	return resp, nil
}

func extractIPs(resp *dns.Msg) []net.IP {
	var ips []net.IP
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			ips = append(ips, rec.A)
		case *dns.AAAA:
			ips = append(ips, rec.AAAA)
		}
	}
	return ips
}
