// Package userlist implements the user-list file grammar: the line-based,
// `#`-commented format accepted by `POST /users` and the local
// `local-user-list.cfg` file loaded at startup (§6). It produces the
// by-IP/by-login/site-limits rows that internal/authenticator.Load
// consumes.
//
// The wire format for admin collaborators (config file parsing, user-list
// parsing) is explicitly named in spec §1 as an external collaborator's
// concern; this package gives that collaborator a concrete, buildable
// shape in the teacher's own line-scanner style (internal/config.Parse),
// since a runnable repository needs some grammar for `POST /users` to
// parse, and §6 documents the persisted-file half of that contract.
package userlist

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/arataga-proxy/arataga/internal/authenticator"
	"github.com/arataga-proxy/arataga/internal/bandwidth"
	pkgerrors "github.com/arataga-proxy/arataga/pkg/errors"
)

// Snapshot is the fully parsed user list: one value of this type is
// applied to internal/authenticator.Authenticator.Load on every accepted
// `POST /users` or on startup from the local file.
type Snapshot struct {
	ByIP       []authenticator.ByIPEntry
	ByLogin    []authenticator.ByLoginEntry
	SiteLimits map[string][]authenticator.DomainLimit
}

// Parse reads the user-list grammar:
//
//	by_ip    <in_ip> <in_port> <client_ip> user_id=<id> bandlim.in=<v> bandlim.out=<v> [site_limits=<id>]
//	by_login <in_ip> <in_port> <username> <password> user_id=<id> bandlim.in=<v> bandlim.out=<v> [site_limits=<id>]
//	site_limits <id> domain=<domain> bandlim.in=<v> bandlim.out=<v>
//
// one entry per line, `#`-comments and blank lines skipped, mirroring
// internal/config.Parse's line scanner.
func Parse(text string) (Snapshot, error) {
	snap := Snapshot{SiteLimits: make(map[string][]authenticator.DomainLimit)}

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "by_ip":
			err = parseByIP(&snap, fields[1:])
		case "by_login":
			err = parseByLogin(&snap, fields[1:])
		case "site_limits":
			err = parseSiteLimits(&snap, fields[1:])
		default:
			err = fmt.Errorf("unknown user-list directive %q", fields[0])
		}
		if err != nil {
			return Snapshot{}, pkgerrors.NewConfigError(lineNo, err.Error(), nil)
		}
	}
	if err := scanner.Err(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func parseByIP(snap *Snapshot, fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("by_ip requires <in_ip> <in_port> <client_ip> and named fields")
	}
	inIP, inPort, err := parseIPPort(fields[0], fields[1])
	if err != nil {
		return err
	}
	clientIP := fields[2]

	named, err := parseNamedFields(fields[3:])
	if err != nil {
		return err
	}
	user, err := userRecordFrom(named)
	if err != nil {
		return err
	}

	snap.ByIP = append(snap.ByIP, authenticator.ByIPEntry{
		InIP:     inIP,
		ClientIP: clientIP,
		InPort:   inPort,
		User:     user,
	})
	return nil
}

func parseByLogin(snap *Snapshot, fields []string) error {
	if len(fields) < 4 {
		return fmt.Errorf("by_login requires <in_ip> <in_port> <username> <password> and named fields")
	}
	inIP, inPort, err := parseIPPort(fields[0], fields[1])
	if err != nil {
		return err
	}
	username, password := fields[2], fields[3]

	named, err := parseNamedFields(fields[4:])
	if err != nil {
		return err
	}
	user, err := userRecordFrom(named)
	if err != nil {
		return err
	}

	snap.ByLogin = append(snap.ByLogin, authenticator.ByLoginEntry{
		InIP:     inIP,
		Username: username,
		Password: password,
		InPort:   inPort,
		User:     user,
	})
	return nil
}

func parseSiteLimits(snap *Snapshot, fields []string) error {
	if len(fields) < 2 {
		return fmt.Errorf("site_limits requires <id> and domain=<name>")
	}
	id := fields[0]
	named, err := parseNamedFields(fields[1:])
	if err != nil {
		return err
	}
	domain, ok := named["domain"]
	if !ok {
		return fmt.Errorf("site_limits entry missing domain=")
	}
	lim, err := limitsFrom(named)
	if err != nil {
		return err
	}
	snap.SiteLimits[id] = append(snap.SiteLimits[id], authenticator.DomainLimit{Domain: domain, Limits: lim})
	return nil
}

func userRecordFrom(named map[string]string) (authenticator.UserRecord, error) {
	userID, ok := named["user_id"]
	if !ok {
		return authenticator.UserRecord{}, fmt.Errorf("entry missing user_id=")
	}
	lim, err := limitsFrom(named)
	if err != nil {
		return authenticator.UserRecord{}, err
	}
	return authenticator.UserRecord{
		UserID:       userID,
		SiteLimitsID: named["site_limits"],
		Personal: bandwidth.PersonalLimits{
			ToTarget: optionalPtr(lim.ToTarget, named["bandlim.in"]),
			ToUser:   optionalPtr(lim.ToUser, named["bandlim.out"]),
		},
	}, nil
}

func optionalPtr(v int64, present string) *int64 {
	if present == "" {
		return nil
	}
	val := v
	return &val
}

func limitsFrom(named map[string]string) (bandwidth.Limits, error) {
	lim := bandwidth.Limits{ToTarget: bandwidth.Unlimited, ToUser: bandwidth.Unlimited}
	if v, ok := named["bandlim.in"]; ok {
		n, err := parseBandwidthValue(v)
		if err != nil {
			return lim, err
		}
		lim.ToTarget = n
	}
	if v, ok := named["bandlim.out"]; ok {
		n, err := parseBandwidthValue(v)
		if err != nil {
			return lim, err
		}
		lim.ToUser = n
	}
	return lim, nil
}

func parseNamedFields(fields []string) (map[string]string, error) {
	named := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("malformed named field %q, want key=value", f)
		}
		named[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return named, nil
}

func parseIPPort(ipField, portField string) (string, uint16, error) {
	port, err := strconv.ParseUint(portField, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portField, err)
	}
	return ipField, uint16(port), nil
}

// parseBandwidthValue mirrors internal/config's parser for the same
// `bandlim.*` suffix grammar (bytes with b|kib|mib|gib, speed with
// bps|kbps|KiBps, "0" for unlimited). Kept as a small local copy rather
// than an exported cross-package helper because internal/config's
// version is exercised directly by its own table-driven test and this
// package's grammar additionally allows the field to be entirely absent
// (meaning "no override"), which the config grammar does not.
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
