package bandwidth

// Handle is the traffic-limiter handle an authenticated connection holds:
// a reference into the user's general channel and, optionally, into one
// domain override. Its Close decrements both reference counts and erases
// entries that reach zero, exactly as the authenticator's §4.4 step 5
// "fresh traffic-limiter handle... incrementing reference counts"
// describes on the way in.
type Handle struct {
	mgr    *Manager
	userID string
	user   *userEntry
	domain string
	de     *domainEntry
	closed bool
}

// NewHandle authenticates a connection against the bandwidth manager: it
// increments the user's connection refcount (creating the user entry on
// first use) and, if domain and domainLimits are non-empty/non-nil,
// increments the matched domain entry's refcount too (creating it on
// first use with domainLimits as its initial per-turn quota).
func (m *Manager) NewHandle(userID string, personal PersonalLimits, domain string, domainLimits *Limits) *Handle {
	u := m.getOrCreateUser(userID, personal)

	u.mu.Lock()
	u.refs++
	var de *domainEntry
	if domain != "" {
		var ok bool
		de, ok = u.domains[domain]
		if !ok {
			de = &domainEntry{}
			turn := m.turn.Load()
			lim := m.defLim
			if domainLimits != nil {
				lim = *domainLimits
			}
			de.limits.resetForTurn(turn, lim)
			u.domains[domain] = de
		}
		de.refs++
	}
	u.mu.Unlock()

	return &Handle{mgr: m, userID: userID, user: u, domain: domain, de: de}
}

// Reserve computes free = min(requested, user-free, domain-free-if-any),
// reserves it against every applicable counter, and returns it together
// with the user's general-channel turn sequence number. A returned
// Capacity of zero means "back off until next turn".
func (h *Handle) Reserve(dir Direction, requested int64) Reservation {
	if requested < 0 {
		requested = 0
	}
	h.user.mu.Lock()
	defer h.user.mu.Unlock()

	uState := h.user.general.state(dir)
	free := requested
	if uf := uState.free(); uf < free {
		free = uf
	}
	if h.de != nil {
		dState := h.de.limits.state(dir)
		if df := dState.free(); df < free {
			free = df
		}
		if free > 0 {
			dState.reserved += free
		}
	}
	if free > 0 {
		uState.reserved += free
	}
	return Reservation{Capacity: free, Seq: uState.seq}
}

// Release reconciles a reservation against actual I/O results: if the
// reservation's turn is still current, its Capacity is removed from
// "reserved"; regardless, actuallyTransferred is added to "actual". A
// failed I/O should pass actuallyTransferred == 0.
func (h *Handle) Release(dir Direction, r Reservation, actuallyTransferred int64) {
	if actuallyTransferred < 0 {
		actuallyTransferred = 0
	}
	h.user.mu.Lock()
	defer h.user.mu.Unlock()

	uState := h.user.general.state(dir)
	if r.Seq == uState.seq && uState.reserved >= r.Capacity {
		uState.reserved -= r.Capacity
	}
	uState.actual += actuallyTransferred

	if h.de != nil {
		dState := h.de.limits.state(dir)
		if r.Seq == dState.seq && dState.reserved >= r.Capacity {
			dState.reserved -= r.Capacity
		}
		dState.actual += actuallyTransferred
	}
}

// Close releases this connection's references to the user and domain
// entries, erasing either once its refcount reaches zero. Idempotent.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true

	h.user.mu.Lock()
	h.user.refs--
	if h.de != nil {
		h.de.refs--
		if h.de.refs <= 0 {
			delete(h.user.domains, h.domain)
		}
	}
	h.user.mu.Unlock()

	h.mgr.removeUserIfUnused(h.userID, h.user)
}
