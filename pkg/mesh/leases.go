package mesh

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rflandau/rfmesh/pkg/address"
)

// ErrAddressInUse is returned when a lease would give an address to a second node id.
var ErrAddressInUse = errors.New("address is leased to another node")

// A Lease binds a node id to a logical address.
type Lease struct {
	NodeID  uint8           `json:"node_id" doc:"stable identity of the node"`
	Address address.Address `json:"address" doc:"logical address in octal notation"`
}

// Leases returns a snapshot of the master's lease table, ordered by node id.
// Safe to call from any goroutine.
func (m *Mesh) Leases() []Lease {
	m.leases.mu.Lock()
	defer m.leases.mu.Unlock()
	return m.snapshotLeases()
}

// caller must hold leases.mu
func (m *Mesh) snapshotLeases() []Lease {
	var out []Lease
	m.leases.tbl.Range(func(id uint8, a address.Address) bool {
		out = append(out, Lease{NodeID: id, Address: a})
		return true
	})
	slices.SortFunc(out, func(a, b Lease) int { return int(a.NodeID) - int(b.NodeID) })
	return out
}

// SetAddress inserts or updates the lease for nodeID, bypassing address negotiation.
//
// A node id holds at most one address and an address is held by at most one node id.
// If addr is already leased to a different node id, searchByAddress decides the outcome:
// when set, the existing lease is reassigned to nodeID; otherwise ErrAddressInUse is returned and the table is left untouched.
//
// The address is not checked for tree validity so tables can be seeded with any stored value.
// Safe to call from any goroutine.
func (m *Mesh) SetAddress(nodeID uint8, addr address.Address, searchByAddress bool) error {
	m.leases.mu.Lock()
	defer m.leases.mu.Unlock()
	return m.setAddress(nodeID, addr, searchByAddress, m.leaseTTL)
}

// SetStaticAddress leases addr to nodeID permanently (the lease never lapses, regardless of the lease TTL).
// Any lease already holding addr is reassigned.
func (m *Mesh) SetStaticAddress(nodeID uint8, addr address.Address) error {
	m.leases.mu.Lock()
	defer m.leases.mu.Unlock()
	if err := m.setAddress(nodeID, addr, true, 0); err != nil {
		return err
	}
	if m.static == nil {
		m.static = make(map[uint8]bool)
	}
	m.static[nodeID] = true
	return nil
}

// caller must hold leases.mu
func (m *Mesh) setAddress(nodeID uint8, addr address.Address, searchByAddress bool, ttl time.Duration) error {
	if holder, found := m.holderOf(addr); found && holder != nodeID {
		if !searchByAddress {
			return fmt.Errorf("%w: %v is held by node %d", ErrAddressInUse, addr, holder)
		}
		m.leases.tbl.Delete(holder)
		delete(m.static, holder)
	}
	if m.static[nodeID] {
		ttl = 0
	}
	m.leases.tbl.Store(nodeID, addr, ttl)
	m.log.Debug().Uint8("node id", nodeID).Str("address", addr.String()).Dur("ttl", ttl).Msg("lease set")
	return nil
}

// RemoveLease drops nodeID's lease, returning false if it held none.
// Safe to call from any goroutine.
func (m *Mesh) RemoveLease(nodeID uint8) bool {
	m.leases.mu.Lock()
	defer m.leases.mu.Unlock()
	delete(m.static, nodeID)
	return m.leases.tbl.Delete(nodeID)
}

// lookupAddress returns the address leased to nodeID.
func (m *Mesh) lookupAddress(nodeID uint8) (address.Address, bool) {
	m.leases.mu.Lock()
	defer m.leases.mu.Unlock()
	return m.leases.tbl.Load(nodeID)
}

// lookupNodeID returns the node id holding addr.
func (m *Mesh) lookupNodeID(addr address.Address) (uint8, bool) {
	m.leases.mu.Lock()
	defer m.leases.mu.Unlock()
	return m.holderOf(addr)
}

// caller must hold leases.mu
func (m *Mesh) holderOf(addr address.Address) (holder uint8, found bool) {
	m.leases.tbl.Range(func(id uint8, a address.Address) bool {
		if a == addr {
			holder, found = id, true
			return false
		}
		return true
	})
	return
}

// refreshLease pushes back the expiry of nodeID's lease.
func (m *Mesh) refreshLease(nodeID uint8) {
	m.leases.mu.Lock()
	defer m.leases.mu.Unlock()
	if m.static[nodeID] {
		return
	}
	m.leases.tbl.Refresh(nodeID, m.leaseTTL)
}

// pruneLeases drops lapsed leases.
func (m *Mesh) pruneLeases() {
	m.leases.mu.Lock()
	defer m.leases.mu.Unlock()
	for _, id := range m.leases.tbl.Prune() {
		m.log.Info().Uint8("node id", id).Msg("lease lapsed")
	}
}
