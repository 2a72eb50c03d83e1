package orconn

import (
	"net/netip"
	"time"
)

// Age limits for connections carrying new circuits.
const (
	// NewConnGracePeriod is how long a connection without circuits is
	// forgiven for having none.
	NewConnGracePeriod = 15 * time.Minute

	// MaxConnAge is the age after which a connection gets no new circuits.
	MaxConnAge = 7 * 24 * time.Hour
)

// Messages returned from SelectForExtend.
const (
	extendUseExisting  = "Connection is fine; using it."
	extendInProgress   = "Connection in progress; waiting."
	extendAllUnusable  = "Connections all too old, or too non-canonical. Launching a new one."
	extendNotConnected = "Not connected. Connecting."
)

// IsBetter reports whether a should be preferred over b for new circuits.
// Canonical connections beat non-canonical ones. Otherwise connections with
// circuits beat those without, and newer beats older. With forgiveNew a
// connection without circuits is not held against b while b is younger than
// NewConnGracePeriod.
func IsBetter(now time.Time, a, b *Connection, forgiveNew bool) bool {
	if b.canonical && !a.canonical {
		return false
	}

	newer := b.created.Before(a.created)
	aCircs, bCircs := a.NumCircuits() > 0, b.NumCircuits() > 0

	if (!b.canonical && a.canonical) ||
		(aCircs && bCircs && newer) ||
		(!aCircs && !bCircs && newer) {
		return true
	}

	if !bCircs && aCircs {
		if forgiveNew && now.Before(b.created.Add(NewConnGracePeriod)) {
			return false
		}
		return true
	}

	return false
}

// SelectForExtend picks the connection to digest that a new circuit towards
// target should use. If none is suitable, launch says whether a new
// connection should be made or one in progress waited for. The message
// explains the decision.
func (m *Manager) SelectForExtend(digest Fingerprint, target netip.Addr) (best *Connection, launch bool, msg string) {
	now := m.now()
	target = target.Unmap()

	var inProgress, old, nonCanonical int
	for _, c := range m.registry.Lookup(digest) {
		switch {
		case c.marked || c.clientOnly:
			continue
		case c.state != StateOpen:
			if c.addr.Addr().Unmap() == target {
				inProgress++
			}
			continue
		case c.bad:
			old++
			continue
		case !c.canonical && c.proto >= 2 && c.addr.Addr().Unmap() != target:
			nonCanonical++
			continue
		}

		if best == nil || IsBetter(now, c, best, false) {
			best = c
		}
	}

	switch {
	case best != nil:
		return best, false, extendUseExisting
	case inProgress > 0:
		return nil, false, extendInProgress
	case old > 0 || nonCanonical > 0:
		return nil, true, extendAllUnusable
	}
	return nil, true, extendNotConnected
}

// RecomputeBadness decides which connections in one identity's chain should
// stop receiving new circuits. Old connections, or all with force, are marked
// first. If an open canonical connection exists every open non-canonical one
// is marked. Finally the best open connection survives, and others lose to it
// when it is canonical or shares their address.
func RecomputeBadness(now time.Time, chain []*Connection, force bool) {
	var canonical int
	for _, c := range chain {
		if c.marked || c.bad {
			continue
		}
		if force || now.Sub(c.created) > MaxConnAge {
			c.logger.With("age", now.Sub(c.created)).Info("marking connection as too old for new circuits")
			c.bad = true
			continue
		}
		if c.state == StateOpen && c.canonical {
			canonical++
		}
	}

	var best *Connection
	for _, c := range chain {
		if c.marked || c.bad || c.state != StateOpen {
			continue
		}
		if canonical > 0 && !c.canonical {
			c.logger.Info("marking connection unsuitable for new circuits: not canonical and a canonical one exists")
			c.bad = true
			continue
		}
		if best == nil || IsBetter(now, c, best, false) {
			best = c
		}
	}

	if best == nil {
		return
	}

	for _, c := range chain {
		if c == best || c.marked || c.bad || c.state != StateOpen {
			continue
		}
		if !IsBetter(now, best, c, true) {
			continue
		}
		switch {
		case best.canonical:
			c.logger.With("best", best.handle).Info("marking connection unsuitable for new circuits: have a better canonical one")
			c.bad = true
		case c.addr.Addr() == best.addr.Addr():
			c.logger.With("best", best.handle).Info("marking connection unsuitable for new circuits: have a better one with the same address")
			c.bad = true
		}
	}
}

// MarkBadConnections recomputes badness for the connections to digest, or
// for every identity when digest is nil.
func (m *Manager) MarkBadConnections(digest *Fingerprint, force bool) {
	now := m.now()
	if digest != nil {
		RecomputeBadness(now, m.registry.Lookup(*digest), force)
		return
	}
	for _, fp := range m.registry.Digests() {
		RecomputeBadness(now, m.registry.Lookup(fp), force)
	}
}
