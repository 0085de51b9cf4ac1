// Package acl implements the ACL manager from §4.10: one listening socket
// per configured ACL, a maxconn-bounded accept loop, distribution of ACLs
// across a fixed pool of I/O goroutine groups (each with its own DNS
// resolver and authenticator instance, per §5's "no locking inside the
// core because each ... instance is owned by a single executor" — here
// relaxed to a fixed assignment rather than single-threaded ownership,
// see SPEC_FULL.md §A), and the 1 Hz global timer that drives bandwidth
// turn advancement, connection-table ticks and DNS cache sweeps (idle and
// per-stage timeouts are enforced inside the protocol and relay packages,
// not by this timer).
//
// Grounded on spec §4.10's lifecycle state machine (entry_not_created →
// accepting ⇄ too_many_connections, plus shutting_down) and on the
// teacher's general preference for snapshot-then-act-outside-the-lock
// (internal/aclconn.Table.Tick/ReleaseAll) rather than holding a lock
// across a call into connection-handling code.
package acl

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arataga-proxy/arataga/internal/authenticator"
	"github.com/arataga-proxy/arataga/internal/bandwidth"
	"github.com/arataga-proxy/arataga/internal/broadcast"
	"github.com/arataga-proxy/arataga/internal/config"
	"github.com/arataga-proxy/arataga/internal/dnsresolver"
	"github.com/arataga-proxy/arataga/internal/stats"
)

// retryDelay is the fixed delay between failed listen attempts (§4.10
// "entry_not_created ... log at critical and retry after a fixed delay").
const retryDelay = 10 * time.Second

// identity is the ACL's unique key: the "ingress pairs (port, in_ip) are
// unique across all ACLs" invariant from §3.
type identity struct {
	port uint16
	inIP string
}

func identityOf(c config.ACLConfig) identity {
	return identity{port: c.Port, inIP: c.InIP.String()}
}

// group is one I/O goroutine group: a shared DNS resolver and
// authenticator instance, and the set of ACLs currently assigned to it.
// Spec §4.10/§5: "Per I/O thread: one DNS resolver instance, one
// authenticator instance". The bandwidth.Manager itself is process-wide
// (not per group), since a user's aggregate quota must be enforced across
// every concurrent connection regardless of which group its ACL landed
// on; see internal/bandwidth's ledger entry in DESIGN.md.
type group struct {
	id       int
	resolver *dnsresolver.Resolver
	auth     *authenticator.Authenticator
	aclCount int
}

// Manager owns every configured ACL's listener lifecycle, the fixed pool
// of I/O groups ACLs are distributed across, and the 1 Hz global timer
// that ticks bandwidth turns and connection tables.
type Manager struct {
	log *slog.Logger
	bw  *bandwidth.Manager

	groups []*group

	mu      sync.Mutex
	runners map[identity]*runner

	cfgSub *broadcast.Subscription[config.Snapshot]

	wg sync.WaitGroup

	statsMu       sync.Mutex
	stats         *stats.Collector
	dnsSweepEvery time.Duration
	lastDNSSweep  time.Time
}

// NewManager creates a Manager with groupCount I/O groups (typically
// max(1, runtime.NumCPU()-2), per §5), a process-wide bandwidth manager
// that starts unlimited and takes its defaults from each applied config,
// and a subscription to cfg for runtime
// reconfiguration.
func NewManager(log *slog.Logger, groupCount int, cfg *broadcast.Topic[config.Snapshot]) *Manager {
	if groupCount < 1 {
		groupCount = 1
	}
	bw := bandwidth.NewManager(bandwidth.Limits{ToTarget: bandwidth.Unlimited, ToUser: bandwidth.Unlimited})

	m := &Manager{
		log:           log,
		bw:            bw,
		runners:       make(map[identity]*runner),
		cfgSub:        cfg.Subscribe(),
		dnsSweepEvery: config.Default().DNSCacheCleanupPeriod,
	}
	for i := 0; i < groupCount; i++ {
		m.groups = append(m.groups, &group{
			id:       i,
			resolver: dnsresolver.New(nil, 5*time.Second),
			auth:     authenticator.New(bw),
		})
	}
	return m
}

// Bandwidth exposes the process-wide bandwidth manager, e.g. for
// internal/admin's debug/stats endpoints.
func (m *Manager) Bandwidth() *bandwidth.Manager { return m.bw }

// SetCollector wires a stats.Collector into every runner the manager
// creates from this point on, and into every runner already running.
// Additive rather than a NewManager parameter, since cmd/arataga
// constructs the collector and the manager independently before handing
// one to the other.
func (m *Manager) SetCollector(c *stats.Collector) {
	m.statsMu.Lock()
	m.stats = c
	m.statsMu.Unlock()

	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()
	for _, r := range runners {
		r.stats = c
	}
}

func (m *Manager) collector() *stats.Collector {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// DebugAuthenticator and DebugResolver expose group 0's authenticator and
// resolver for internal/admin's synthetic `/debug/auth` and
// `/debug/dns-resolve` probes. Every group is loaded with the same user
// list and nameserver configuration, so any one of them answers a
// debug probe identically to the group an ACL's real connections land
// on.
func (m *Manager) DebugAuthenticator() *authenticator.Authenticator { return m.groups[0].auth }
func (m *Manager) DebugResolver() *dnsresolver.Resolver             { return m.groups[0].resolver }

// ACLs returns the identities and ports of every currently running ACL,
// for internal/admin's `GET /acls`.
func (m *Manager) ACLs() []config.ACLConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]config.ACLConfig, 0, len(m.runners))
	for _, r := range m.runners {
		cfg, _ := r.snapshot()
		out = append(out, cfg)
	}
	return out
}

// LoadUsers pushes a freshly parsed user list into every group's
// authenticator. All groups share the same bandwidth manager, so a
// user's aggregate quota is still enforced correctly regardless of which
// group handles which of their connections.
func (m *Manager) LoadUsers(byIP []authenticator.ByIPEntry, byLogin []authenticator.ByLoginEntry, siteLimits map[string][]authenticator.DomainLimit) {
	for _, g := range m.groups {
		g.auth.Load(byIP, byLogin, siteLimits)
	}
}

// Run is the manager's main loop: it applies the first config
// immediately, then reacts to every subsequent published Snapshot, and
// runs the 1 Hz global timer, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case snap := <-m.cfgSub.Updates():
			m.applyConfig(ctx, snap)
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	m.bw.Tick(m.domainLimitsOf)

	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.table.Tick()
	}

	m.sweepDNSCacheIfDue()
}

// sweepDNSCacheIfDue drives each group's resolver cache eviction off the
// configured `dns_cache_cleanup_period` (default 30s, §6), piggybacking
// on the 1 Hz tick rather than running its own ticker.
func (m *Manager) sweepDNSCacheIfDue() {
	m.statsMu.Lock()
	period := m.dnsSweepEvery
	due := time.Since(m.lastDNSSweep) >= period
	if due {
		m.lastDNSSweep = time.Now()
	}
	m.statsMu.Unlock()

	if !due {
		return
	}
	for _, g := range m.groups {
		g.resolver.Sweep()
	}
}

// domainLimitsOf answers bandwidth.Manager.Tick's callback by consulting
// whichever group's authenticator currently holds userID's site-limits
// table; every group is loaded with the same user list, so the first
// hit is authoritative.
func (m *Manager) domainLimitsOf(userID, domain string) (bandwidth.Limits, bool) {
	for _, g := range m.groups {
		if lim, ok := g.auth.DomainLimitFor(userID, domain); ok {
			return lim, true
		}
	}
	return bandwidth.Limits{}, false
}

// applyConfig computes the set difference between the currently-running
// ACLs and the new snapshot's ACL list (§4.10's "set-difference ...
// keyed by full identity tuple"): obsolete ACLs are shut down, new ones
// are placed on the least-loaded group, survivors are left alone.
func (m *Manager) applyConfig(ctx context.Context, snap config.Snapshot) {
	m.statsMu.Lock()
	if snap.DNSCacheCleanupPeriod > 0 {
		m.dnsSweepEvery = snap.DNSCacheCleanupPeriod
	}
	m.statsMu.Unlock()

	m.bw.SetDefaults(bandwidth.Limits{ToTarget: snap.BandwidthIn, ToUser: snap.BandwidthOut})
	for _, g := range m.groups {
		g.auth.SetDeniedPorts(snap.DeniedPortSingles, snap.DeniedPortRanges)
		g.auth.SetFailedAuthDelay(snap.Timeouts.FailedAuthReply)
	}

	wanted := make(map[identity]config.ACLConfig, len(snap.ACLs))
	for _, a := range snap.ACLs {
		wanted[identityOf(a)] = a
	}

	m.mu.Lock()
	var obsolete []*runner
	for id, r := range m.runners {
		if _, ok := wanted[id]; !ok {
			obsolete = append(obsolete, r)
			delete(m.runners, id)
		}
	}
	var toAdd []config.ACLConfig
	for id, a := range wanted {
		if _, ok := m.runners[id]; !ok {
			toAdd = append(toAdd, a)
		}
	}
	m.mu.Unlock()

	for _, r := range obsolete {
		r.shutdown()
		r.group.aclCount--
	}

	for _, a := range toAdd {
		g := m.leastLoadedGroup()
		r := newRunner(m.log, a, g, snap, m.bw, m.collector())
		g.aclCount++

		m.mu.Lock()
		m.runners[identityOf(a)] = r
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			r.run(ctx)
		}()
	}

	// Surviving runners pick up sizing/timeout changes on their next
	// accepted connection; update their snapshot now so those changes are
	// visible without a restart.
	m.mu.Lock()
	for id, r := range m.runners {
		if a, ok := wanted[id]; ok {
			r.updateConfig(a, snap)
		}
	}
	m.mu.Unlock()
}

// leastLoadedGroup implements §4.10's placement rule: "placed onto the
// I/O thread with the fewest currently-running ACLs; after each
// placement, the next placement moves to a neighbouring thread only if
// its count is strictly lower" — i.e. plain least-loaded-first, ties
// broken by keeping the current candidate.
func (m *Manager) leastLoadedGroup() *group {
	best := m.groups[0]
	for _, g := range m.groups[1:] {
		if g.aclCount < best.aclCount {
			best = g
		}
	}
	return best
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for id, r := range m.runners {
		runners = append(runners, r)
		delete(m.runners, id)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.shutdown()
	}
	m.wg.Wait()
}

// RunGroup is a convenience for cmd/arataga to supervise the manager
// alongside its sibling executors (admin HTTP, stats, ...) under one
// cancelable errgroup, mirroring the "one executor each for the config
// processor, the user-list processor, the stats collector, and the
// startup coordinator" model from §5.
func RunGroup(ctx context.Context, eg *errgroup.Group, m *Manager) {
	eg.Go(func() error {
		return m.Run(ctx)
	})
}
