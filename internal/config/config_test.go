package config

import (
	"testing"

	"github.com/arataga-proxy/arataga/internal/bandwidth"
	"github.com/arataga-proxy/arataga/internal/protodetect"
)

func TestParseBasicKeys(t *testing.T) {
	text := `
# a comment
log_level debug
dns_cache_cleanup_period 45s
nserver 8.8.8.8,1.1.1.1
bandlim.in 10mib
bandlim.out 0
denied_ports 25,6000-6100
timeout.idle 5m
acl.max.conn 500
acl auto, port=1080, in_ip=0.0.0.0, out_ip=203.0.113.5
`
	snap, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if snap.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", snap.LogLevel)
	}
	if len(snap.Nameservers) != 2 || snap.Nameservers[0] != "8.8.8.8" {
		t.Fatalf("Nameservers = %v", snap.Nameservers)
	}
	if snap.BandwidthIn != 10*1024*1024 {
		t.Fatalf("BandwidthIn = %d, want 10MiB", snap.BandwidthIn)
	}
	if snap.BandwidthOut != bandwidth.Unlimited {
		t.Fatalf("BandwidthOut = %d, want Unlimited", snap.BandwidthOut)
	}
	if len(snap.DeniedPortSingles) != 1 || snap.DeniedPortSingles[0] != 25 {
		t.Fatalf("DeniedPortSingles = %v", snap.DeniedPortSingles)
	}
	if len(snap.DeniedPortRanges) != 1 || snap.DeniedPortRanges[0] != [2]uint16{6000, 6100} {
		t.Fatalf("DeniedPortRanges = %v", snap.DeniedPortRanges)
	}
	if snap.ACLMaxConn != 500 {
		t.Fatalf("ACLMaxConn = %d", snap.ACLMaxConn)
	}
	if len(snap.ACLs) != 1 {
		t.Fatalf("ACLs = %v", snap.ACLs)
	}
	acl := snap.ACLs[0]
	if acl.Hint != protodetect.Auto || acl.Port != 1080 || acl.InIP.String() != "0.0.0.0" || acl.EgressIP.String() != "203.0.113.5" {
		t.Fatalf("ACLs[0] = %+v", acl)
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	if _, err := Parse("not_a_real_key 1"); err == nil {
		t.Fatalf("Parse() expected error for unknown key")
	}
}

func TestParseBandwidthSpeedSuffixes(t *testing.T) {
	cases := map[string]int64{
		"800bps":  100,
		"8kbps":   1000,
		"1KiBps":  1024,
		"1gib":    1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := parseBandwidthValue(in)
		if err != nil {
			t.Fatalf("parseBandwidthValue(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("parseBandwidthValue(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestDefaultSnapshotHasSaneZeroState(t *testing.T) {
	snap := Default()
	if snap.ACLMaxConn == 0 || snap.ACLIOChunkSize == 0 {
		t.Fatalf("Default() left zero-valued sizing fields: %+v", snap)
	}
}
