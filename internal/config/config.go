// Package config implements the line-based `#`-comment config grammar
// from §6: log level, DNS cache sweep period, nameservers, default
// bandwidth limits, denied ports, per-stage timeouts, ACL sizing knobs,
// and the repeatable `acl ...` lines that define each listener.
//
// This is deliberately a hand-rolled recursive-descent-free line
// scanner, not a struct-tag-driven parser — the grammar is small,
// line-oriented, and has no nesting, which is exactly the shape the
// teacher's own config surfaces avoid pulling in a parser generator for
// (see DESIGN.md).
package config

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arataga-proxy/arataga/internal/bandwidth"
	"github.com/arataga-proxy/arataga/internal/protodetect"
)

// Timeouts bundles every `timeout.*` key.
type Timeouts struct {
	ProtocolDetect  time.Duration
	Handshake       time.Duration
	ConnectTarget   time.Duration
	Bind            time.Duration
	Idle            time.Duration
	FailedAuthReply time.Duration
}

// HTTPLimits bundles every `http.limits.*` key.
type HTTPLimits struct {
	MaxRequestTargetLength int
	MaxHeaderBytes         int
}

// ACLConfig is one `acl ...` line.
type ACLConfig struct {
	Hint    protodetect.Hint
	Port    uint16
	InIP    net.IP
	EgressIP net.IP
}

// Snapshot is the fully parsed config: one value of this type is
// published on every accepted `POST /config` (see internal/broadcast).
type Snapshot struct {
	LogLevel               string
	DNSCacheCleanupPeriod  time.Duration
	Nameservers            []string
	BandwidthIn            int64 // bytes/sec, bandwidth.Unlimited if unset
	BandwidthOut           int64
	DeniedPortSingles       []uint16
	DeniedPortRanges        [][2]uint16
	Timeouts                Timeouts
	ACLMaxConn              int
	ACLIOChunkSize          int
	ACLIOChunkCount         int
	HTTPLimits              HTTPLimits
	ACLs                    []ACLConfig
}

// Default returns the baseline snapshot applied before any config file
// or POST /config body has been processed.
func Default() Snapshot {
	return Snapshot{
		LogLevel:              "info",
		DNSCacheCleanupPeriod: 30 * time.Second,
		BandwidthIn:           bandwidth.Unlimited,
		BandwidthOut:          bandwidth.Unlimited,
		Timeouts: Timeouts{
			ProtocolDetect:  5 * time.Second,
			Handshake:       10 * time.Second,
			ConnectTarget:   10 * time.Second,
			Bind:            60 * time.Second,
			Idle:            10 * time.Minute,
			FailedAuthReply: 500 * time.Millisecond,
		},
		ACLMaxConn:      1000,
		ACLIOChunkSize:  16 * 1024,
		ACLIOChunkCount: 4,
		HTTPLimits: HTTPLimits{
			MaxRequestTargetLength: 8 * 1024,
			MaxHeaderBytes:         64 * 1024,
		},
	}
}

// Parse reads the line-based grammar from §6 into a Snapshot seeded from
// Default(), so a partial file only overrides what it mentions.
func Parse(text string) (Snapshot, error) {
	snap := Default()

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := applyLine(&snap, line); err != nil {
			return Snapshot{}, fmt.Errorf("config line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func applyLine(snap *Snapshot, line string) error {
	if strings.HasPrefix(line, "acl ") || line == "acl" {
		acl, err := parseACLLine(line)
		if err != nil {
			return err
		}
		snap.ACLs = append(snap.ACLs, acl)
		return nil
	}

	key, value, ok := strings.Cut(line, " ")
	if !ok {
		key, value, ok = strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("malformed line %q", line)
		}
	}
	value = strings.TrimSpace(value)

	switch key {
	case "log_level":
		snap.LogLevel = value
	case "dns_cache_cleanup_period":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		snap.DNSCacheCleanupPeriod = d
	case "nserver":
		snap.Nameservers = splitCSV(value)
	case "bandlim.in":
		n, err := parseBandwidthValue(value)
		if err != nil {
			return err
		}
		snap.BandwidthIn = n
	case "bandlim.out":
		n, err := parseBandwidthValue(value)
		if err != nil {
			return err
		}
		snap.BandwidthOut = n
	case "denied_ports":
		singles, ranges, err := parsePortList(value)
		if err != nil {
			return err
		}
		snap.DeniedPortSingles = singles
		snap.DeniedPortRanges = ranges
	case "timeout.protocol_detect":
		return setDuration(&snap.Timeouts.ProtocolDetect, value)
	case "timeout.handshake":
		return setDuration(&snap.Timeouts.Handshake, value)
	case "timeout.connect_target":
		return setDuration(&snap.Timeouts.ConnectTarget, value)
	case "timeout.bind":
		return setDuration(&snap.Timeouts.Bind, value)
	case "timeout.idle":
		return setDuration(&snap.Timeouts.Idle, value)
	case "timeout.failed_auth_reply":
		return setDuration(&snap.Timeouts.FailedAuthReply, value)
	case "acl.max.conn":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		snap.ACLMaxConn = n
	case "acl.io.chunk_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		snap.ACLIOChunkSize = n
	case "acl.io.chunk_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		snap.ACLIOChunkCount = n
	case "http.limits.max_request_target_length":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		snap.HTTPLimits.MaxRequestTargetLength = n
	case "http.limits.max_header_bytes":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		snap.HTTPLimits.MaxHeaderBytes = n
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func setDuration(dst *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// parseACLLine parses `acl <auto|socks|http>, port=<u16>, in_ip=<v4>,
// out_ip=<v4|v6>`.
func parseACLLine(line string) (ACLConfig, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "acl"))
	fields := strings.Split(rest, ",")
	if len(fields) == 0 {
		return ACLConfig{}, fmt.Errorf("empty acl line")
	}

	var acl ACLConfig
	hintStr := strings.TrimSpace(fields[0])
	switch hintStr {
	case "auto":
		acl.Hint = protodetect.Auto
	case "socks":
		acl.Hint = protodetect.ForceSOCKS5
	case "http":
		acl.Hint = protodetect.ForceHTTP
	default:
		return ACLConfig{}, fmt.Errorf("unknown acl protocol hint %q", hintStr)
	}

	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(f), "=")
		if !ok {
			return ACLConfig{}, fmt.Errorf("malformed acl field %q", f)
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "port":
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return ACLConfig{}, err
			}
			acl.Port = uint16(n)
		case "in_ip":
			ip := net.ParseIP(v)
			if ip == nil {
				return ACLConfig{}, fmt.Errorf("invalid in_ip %q", v)
			}
			acl.InIP = ip
		case "out_ip":
			ip := net.ParseIP(v)
			if ip == nil {
				return ACLConfig{}, fmt.Errorf("invalid out_ip %q", v)
			}
			acl.EgressIP = ip
		default:
			return ACLConfig{}, fmt.Errorf("unknown acl field %q", k)
		}
	}
	if acl.InIP == nil || acl.EgressIP == nil || acl.Port == 0 {
		return ACLConfig{}, fmt.Errorf("acl line missing port/in_ip/out_ip: %q", line)
	}
	return acl, nil
}

func splitCSV(value string) []string {
	var out []string
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePortList(value string) (singles []uint16, ranges [][2]uint16, err error) {
	for _, p := range strings.Split(value, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(p, "-"); ok {
			loN, err := strconv.ParseUint(lo, 10, 16)
			if err != nil {
				return nil, nil, err
			}
			hiN, err := strconv.ParseUint(hi, 10, 16)
			if err != nil {
				return nil, nil, err
			}
			ranges = append(ranges, [2]uint16{uint16(loN), uint16(hiN)})
			continue
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, nil, err
		}
		singles = append(singles, uint16(n))
	}
	return singles, ranges, nil
}

// parseBandwidthValue parses either a byte count (suffixes b, kib, mib,
// gib) or a speed (suffixes bps, kbps, KiBps) into bytes/sec. "0" means
// unlimited.
func parseBandwidthValue(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "0" {
		return bandwidth.Unlimited, nil
	}

	lower := strings.ToLower(value)
	units := []struct {
		suffix string
		scale  float64
	}{
		{"kibps", 1024},
		{"kbps", 1000.0 / 8},
		{"bps", 1.0 / 8},
		{"gib", 1024 * 1024 * 1024},
		{"mib", 1024 * 1024},
		{"kib", 1024},
		{"b", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(lower, u.suffix) {
			numPart := strings.TrimSpace(value[:len(value)-len(u.suffix)])
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid bandwidth value %q: %w", value, err)
			}
			return int64(n * u.scale), nil
		}
	}
	return 0, fmt.Errorf("bandwidth value %q has no recognized unit suffix", value)
}
