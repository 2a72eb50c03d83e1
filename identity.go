package orconn

import (
	"sort"

	"github.com/mmcloughlin/orconn/check"
	"github.com/mmcloughlin/orconn/log"
)

// arena owns the live connections of a Manager, addressed by handle.
type arena struct {
	next  Handle
	conns map[Handle]*Connection
}

func newArena() *arena {
	return &arena{
		conns: make(map[Handle]*Connection),
	}
}

func (a *arena) insert(c *Connection) Handle {
	a.next++
	c.handle = a.next
	a.conns[c.handle] = c
	return c.handle
}

func (a *arena) get(h Handle) (*Connection, bool) {
	c, ok := a.conns[h]
	return c, ok
}

func (a *arena) remove(h Handle) {
	delete(a.conns, h)
}

// all returns live connections in creation order.
func (a *arena) all() []*Connection {
	cs := make([]*Connection, 0, len(a.conns))
	for _, c := range a.conns {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].handle < cs[j].handle })
	return cs
}

func (a *arena) len() int {
	return len(a.conns)
}

// IdentityRegistry maps identity digests to the connections claiming them.
// Each chain is ordered most recently added first.
type IdentityRegistry struct {
	conns  *arena
	chains map[Fingerprint][]Handle
	logger log.Logger
}

// newIdentityRegistry builds an empty registry over the connections in a.
func newIdentityRegistry(a *arena, l log.Logger) *IdentityRegistry {
	return &IdentityRegistry{
		conns:  a,
		chains: make(map[Fingerprint][]Handle),
		logger: log.ForComponent(l, "identity_registry"),
	}
}

// SetIdentity changes the identity c is registered under. A zero fingerprint
// leaves c unregistered.
func (r *IdentityRegistry) SetIdentity(c *Connection, fp Fingerprint) {
	if c.identity == fp {
		return
	}
	if !c.identity.IsZero() {
		r.Remove(c)
	}
	c.identity = fp
	if fp.IsZero() {
		return
	}
	r.chains[fp] = append([]Handle{c.handle}, r.chains[fp]...)
}

// Remove unregisters c and zeroes its identity.
func (r *IdentityRegistry) Remove(c *Connection) {
	defer func() { c.identity = Fingerprint{} }()

	if c.identity.IsZero() {
		return
	}

	chain := r.chains[c.identity]
	for i, h := range chain {
		if h != c.handle {
			continue
		}
		chain = append(chain[:i:i], chain[i+1:]...)
		if len(chain) == 0 {
			delete(r.chains, c.identity)
		} else {
			r.chains[c.identity] = chain
		}
		return
	}

	check.Bug(r.logger, "connection missing from identity chain", "fingerprint", c.identity, "handle", c.handle)
}

// Lookup returns the connections registered under fp, most recent first.
func (r *IdentityRegistry) Lookup(fp Fingerprint) []*Connection {
	chain := r.chains[fp]
	cs := make([]*Connection, 0, len(chain))
	for _, h := range chain {
		c, ok := r.conns.get(h)
		if !ok {
			check.Bug(r.logger, "identity chain references dead connection", "fingerprint", fp, "handle", h)
			continue
		}
		cs = append(cs, c)
	}
	return cs
}

// Head returns the most recently registered connection for fp, or nil.
func (r *IdentityRegistry) Head(fp Fingerprint) *Connection {
	cs := r.Lookup(fp)
	if len(cs) == 0 {
		return nil
	}
	return cs[0]
}

// ClearAll zeroes the identity of every connection and empties the registry.
func (r *IdentityRegistry) ClearAll() {
	for _, c := range r.conns.all() {
		c.identity = Fingerprint{}
	}
	r.chains = make(map[Fingerprint][]Handle)
}

// Len returns the number of identities with at least one connection.
func (r *IdentityRegistry) Len() int {
	return len(r.chains)
}

// Digests returns every registered identity, sorted.
func (r *IdentityRegistry) Digests() []Fingerprint {
	fps := make([]Fingerprint, 0, len(r.chains))
	for fp := range r.chains {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool {
		return string(fps[i][:]) < string(fps[j][:])
	})
	return fps
}
