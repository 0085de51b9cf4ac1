// Package authenticator implements the per-ACL-thread authenticator from
// §4.4: by-IP and by-login user lookup, denied-port rejection, longest-
// dot-suffix domain-limit matching, and failed-auth latency shaping.
package authenticator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/arataga-proxy/arataga/internal/bandwidth"
)

// FailureReason is the vocabulary of negative authentication outcomes
// from §4.4's decision procedure.
type FailureReason string

const (
	TargetBlocked FailureReason = "target_blocked"
	UnknownUser   FailureReason = "unknown_user"
)

// Request is the decision procedure's input tuple.
type Request struct {
	InIP       net.IP
	InPort     uint16
	ClientIP   net.IP
	Username   string
	Password   string
	TargetHost string
	TargetPort uint16
}

// Result is the decision procedure's output: either a failure reason, or
// a traffic-limiter handle (plus the matched domain, if any) on success.
type Result struct {
	OK            bool
	Failure       FailureReason
	Handle        *bandwidth.Handle
	MatchedDomain string
}

type byIPKey struct {
	inIP, clientIP string
	inPort         uint16
}

type byLoginKey struct {
	inIP, username, password string
	inPort                   uint16
}

// UserRecord is one entry of the user list: the bandwidth personal
// overrides to apply and the site-limits table this user's domain
// overrides are drawn from.
type UserRecord struct {
	UserID       string
	SiteLimitsID string
	Personal     bandwidth.PersonalLimits
}

// Authenticator holds the two lookup maps and the denied-port/domain-
// limit/latency-shaping state loaded from the config and user-list files.
// One instance serves an I/O group for the life of the process: Load
// swaps in each new user list, and the ACL manager calls
// SetFailedAuthDelay and SetDeniedPorts on every applied config.
type Authenticator struct {
	bw *bandwidth.Manager

	mu             sync.RWMutex
	byIP           map[byIPKey]*UserRecord
	byLogin        map[byLoginKey]*UserRecord
	domainLimits   map[string][]domainLimitEntry // site_limits_id -> entries
	userSiteLimits map[string]string             // user id -> site_limits_id
	deniedPorts    portSet
	failedDelay    time.Duration
}

// New creates an empty Authenticator backed by the given bandwidth
// manager; Load populates its maps.
func New(bw *bandwidth.Manager) *Authenticator {
	return &Authenticator{
		bw:             bw,
		byIP:           make(map[byIPKey]*UserRecord),
		byLogin:        make(map[byLoginKey]*UserRecord),
		domainLimits:   make(map[string][]domainLimitEntry),
		userSiteLimits: make(map[string]string),
	}
}

// ByIPEntry and ByLoginEntry are the user-list rows Load consumes.
type ByIPEntry struct {
	InIP, ClientIP string
	InPort         uint16
	User           UserRecord
}

type ByLoginEntry struct {
	InIP, Username, Password string
	InPort                   uint16
	User                     UserRecord
}

// Load replaces the by-IP and by-login maps and the domain-limit tables
// in one atomic swap, mirroring a full user-list reload.
func (a *Authenticator) Load(byIP []ByIPEntry, byLogin []ByLoginEntry, limits map[string][]DomainLimit) {
	newByIP := make(map[byIPKey]*UserRecord, len(byIP))
	for _, e := range byIP {
		u := e.User
		newByIP[byIPKey{inIP: e.InIP, clientIP: e.ClientIP, inPort: e.InPort}] = &u
	}
	newByLogin := make(map[byLoginKey]*UserRecord, len(byLogin))
	for _, e := range byLogin {
		u := e.User
		newByLogin[byLoginKey{inIP: e.InIP, username: e.Username, password: e.Password, inPort: e.InPort}] = &u
	}
	newLimits := make(map[string][]domainLimitEntry, len(limits))
	for id, entries := range limits {
		newLimits[id] = buildDomainTable(entries)
	}
	newUserSiteLimits := make(map[string]string, len(byIP)+len(byLogin))
	for _, e := range byIP {
		newUserSiteLimits[e.User.UserID] = e.User.SiteLimitsID
	}
	for _, e := range byLogin {
		newUserSiteLimits[e.User.UserID] = e.User.SiteLimitsID
	}

	a.mu.Lock()
	a.byIP = newByIP
	a.byLogin = newByLogin
	a.domainLimits = newLimits
	a.userSiteLimits = newUserSiteLimits
	a.mu.Unlock()
}

// DomainLimitFor looks up the per-domain override that applies to userID's
// site-limits table for the exact (already-matched, normalized) domain
// name. It is the callback bandwidth.Manager.Tick uses (§4.2) to re-apply
// a domain entry's effective quota on every turn, since the manager itself
// has no notion of site-limits tables.
func (a *Authenticator) DomainLimitFor(userID, domain string) (bandwidth.Limits, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	siteLimitsID, ok := a.userSiteLimits[userID]
	if !ok {
		return bandwidth.Limits{}, false
	}
	table, ok := a.domainLimits[siteLimitsID]
	if !ok {
		return bandwidth.Limits{}, false
	}
	for _, e := range table {
		if e.normalized == domain {
			return e.limits, true
		}
	}
	return bandwidth.Limits{}, false
}

// SetDeniedPorts replaces the denied-port list (singletons and ranges).
func (a *Authenticator) SetDeniedPorts(ports []uint16, ranges [][2]uint16) {
	a.mu.Lock()
	a.deniedPorts = newPortSet(ports, ranges)
	a.mu.Unlock()
}

// SetFailedAuthDelay sets the latency-shaping delay applied to negative
// results.
func (a *Authenticator) SetFailedAuthDelay(d time.Duration) {
	a.mu.Lock()
	a.failedDelay = d
	a.mu.Unlock()
}

// Authenticate runs the §4.4 decision procedure. It blocks for the
// configured failed_auth_reply_timeout before returning a negative
// result, unless ctx is cancelled first.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (Result, error) {
	res := a.decide(req)
	if res.OK {
		return res, nil
	}
	if err := a.delayNegative(ctx); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (a *Authenticator) decide(req Request) Result {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.deniedPorts.contains(req.TargetPort) {
		return Result{OK: false, Failure: TargetBlocked}
	}

	var user *UserRecord
	if req.Username != "" {
		key := byLoginKey{inIP: req.InIP.String(), username: req.Username, password: req.Password, inPort: req.InPort}
		user = a.byLogin[key]
	} else {
		key := byIPKey{inIP: req.InIP.String(), clientIP: req.ClientIP.String(), inPort: req.InPort}
		user = a.byIP[key]
	}
	if user == nil {
		return Result{OK: false, Failure: UnknownUser}
	}

	var matchedDomain string
	var domainLim *bandwidth.Limits
	if table, ok := a.domainLimits[user.SiteLimitsID]; ok {
		if name, lim, found := matchLongestSuffix(table, req.TargetHost); found {
			matchedDomain, domainLim = name, &lim
		}
	}

	handle := a.bw.NewHandle(user.UserID, user.Personal, matchedDomain, domainLim)
	return Result{OK: true, Handle: handle, MatchedDomain: matchedDomain}
}

func (a *Authenticator) delayNegative(ctx context.Context) error {
	a.mu.RLock()
	d := a.failedDelay
	a.mu.RUnlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
