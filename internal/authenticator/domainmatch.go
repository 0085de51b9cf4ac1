package authenticator

import (
	"strings"

	"golang.org/x/net/idna"

	"github.com/arataga-proxy/arataga/internal/bandwidth"
)

// DomainLimit is one row of a site-limits table: a domain and the
// bandwidth limits that apply to it.
type DomainLimit struct {
	Domain string
	Limits bandwidth.Limits
}

type domainLimitEntry struct {
	normalized string
	limits     bandwidth.Limits
}

// normalizeDomain resolves the Open Question in §9 about IDN/mixed-case
// domain matching: both the configured domain-limit table and the
// target host are folded through idna.Lookup.ToASCII, so
// "V1.API.VK.COM" and "v1.api.vk.com" match the same table entry, and a
// Unicode label compares equal to its punycode spelling.
func normalizeDomain(host string) string {
	host = strings.TrimSuffix(host, ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return strings.ToLower(host)
	}
	return ascii
}

func buildDomainTable(entries []DomainLimit) []domainLimitEntry {
	table := make([]domainLimitEntry, 0, len(entries))
	for _, e := range entries {
		table = append(table, domainLimitEntry{normalized: normalizeDomain(e.Domain), limits: e.Limits})
	}
	return table
}

// matchLongestSuffix finds the entry whose domain is the longest suffix
// of host on dot boundaries, e.g. for host "v1.api.vk.com" the winner
// among {"vk.com", "api.vk.com"} is "api.vk.com".
func matchLongestSuffix(table []domainLimitEntry, host string) (string, bandwidth.Limits, bool) {
	target := normalizeDomain(host)

	var best *domainLimitEntry
	for i := range table {
		e := &table[i]
		if !isDotSuffix(target, e.normalized) {
			continue
		}
		if best == nil || len(e.normalized) > len(best.normalized) {
			best = e
		}
	}
	if best == nil {
		return "", bandwidth.Limits{}, false
	}
	return best.normalized, best.limits, true
}

// isDotSuffix reports whether suffix matches the tail of host on a dot
// boundary: host == suffix, or host ends in "."+suffix.
func isDotSuffix(host, suffix string) bool {
	if host == suffix {
		return true
	}
	return strings.HasSuffix(host, "."+suffix)
}
