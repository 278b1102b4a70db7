package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/network"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/rflandau/rfmesh/pkg/protocol/mt"
)

// RenewAddress (re)acquires an address from the master, giving up once timeout has elapsed.
//
// The node drops to address.Default, then polls each level of the tree (starting at the master) for contacts willing to take a child.
// Each contact is asked for an address in turn; the first address the master confirms is adopted.
// Rounds are separated by a short backoff that grows with the number of rounds tried.
// Every wait inside a round is cut short by the overall deadline, and no new step begins once it has passed.
//
// On failure, the node is left at address.Default and ErrNoAddress is returned.
// The master always holds address.Master.
func (m *Mesh) RenewAddress(timeout time.Duration) (address.Address, error) {
	if m.IsMaster() {
		if err := m.net.Begin(address.Master); err != nil {
			return address.Default, err
		}
		m.meshAddr = address.Master
		return m.meshAddr, nil
	}

	flags := m.net.Flags()
	m.net.SetFlags(flags | network.FlagBypassHolds)
	defer m.net.SetFlags(flags)
	m.net.SetReturnSysMsgs(true)
	m.cache.Clear()
	m.beginDefault()

	start := time.Now()
	deadline := start.Add(timeout)
	var total, level int
	for {
		if a, ok := m.requestAddress(uint8(level), deadline); ok {
			m.log.Info().Str("address", a.String()).Dur("elapsed", time.Since(start)).Msg("address acquired")
			return a, nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		backoff := 50*time.Millisecond + time.Duration(2*(total+1)*(level+1))*time.Millisecond
		m.idle(within(backoff, deadline))
		total++
		level = (level + 1) % MaxPolls
	}
	m.log.Warn().Dur("timeout", timeout).Int("rounds", total+1).Msg("failed to acquire an address")
	return address.Default, ErrNoAddress
}

// within returns step, shortened to the time left before deadline.
func within(step time.Duration, deadline time.Time) time.Duration {
	return max(min(step, time.Until(deadline)), 0)
}

// requestAddress performs a single round of address acquisition against contacts at the given level.
func (m *Mesh) requestAddress(level uint8, deadline time.Time) (address.Address, bool) {
	if !time.Now().Before(deadline) {
		return address.Default, false
	}
	poll := protocol.Header{Type: mt.Poll}
	if err := m.net.Multicast(&poll, nil, level); err != nil {
		m.log.Debug().Err(err).Uint8("level", level).Msg("failed to poll")
		return address.Default, false
	}

	var contacts []address.Address
	pollDeadline := time.Now().Add(within(PollTimeout, deadline))
	for time.Now().Before(pollDeadline) && len(contacts) < MaxPolls {
		m.net.Update()
		if f, ok := m.net.SystemFrame(); ok && f.Header.Type == mt.Poll && !slices.Contains(contacts, f.Header.FromNode) {
			contacts = append(contacts, f.Header.FromNode)
			continue
		}
		time.Sleep(pollInterval)
	}
	if len(contacts) == 0 {
		return address.Default, false
	}
	m.log.Debug().Uint8("level", level).Int("contacts", len(contacts)).Msg("poll answered")

	for _, contact := range contacts {
		if !time.Now().Before(deadline) {
			break
		}
		req := protocol.Header{ToNode: contact, Type: mt.ReqAddress, Reserved: m.nodeID}
		if err := m.net.Write(&req, nil, contact); err != nil {
			m.log.Debug().Err(err).Str("contact", contact.String()).Msg("failed to request an address")
			continue
		}
		f, ok := m.waitFor(within(AddrResponseTimeout, deadline), func(f protocol.Frame) bool {
			return f.Header.Type == mt.AddrResponse && f.Header.Reserved == m.nodeID && len(f.Message) >= 2
		})
		if !ok {
			continue
		}
		newAddr := address.Address(binary.LittleEndian.Uint16(f.Message))
		if !address.IsValid(newAddr) || newAddr == address.Master || newAddr == address.Default || newAddr == address.Multicast {
			m.log.Debug().Str("address", newAddr.String()).Msg("ignoring unusable address response")
			continue
		}
		if m.adopt(newAddr, deadline) {
			return newAddr, true
		}
	}
	return address.Default, false
}

// adopt begins the network at newAddr and confirms with the master that the lease is ours before deadline.
// On failure the node returns to address.Default.
func (m *Mesh) adopt(newAddr address.Address, deadline time.Time) bool {
	if !time.Now().Before(deadline) {
		return false
	}
	if err := m.net.Begin(newAddr); err != nil {
		m.log.Warn().Err(err).Str("address", newAddr.String()).Msg("failed to begin at leased address")
		m.beginDefault()
		return false
	}
	m.meshAddr = newAddr

	id, err := m.nodeIDWithin(newAddr, within(LookupTimeout, deadline))
	if err != nil && !errors.Is(err, ErrNoLease) && time.Now().Before(deadline) {
		// the response may have raced the master's table; ask once more
		id, err = m.nodeIDWithin(newAddr, within(LookupTimeout, deadline))
	}
	if err != nil || id != m.nodeID {
		m.log.Debug().Err(err).Str("address", newAddr.String()).Int("held by", int(id)).Msg("leased address failed verification")
		m.beginDefault()
		return false
	}
	return true
}

// GetAddress returns the address leased to nodeID.
//
// The master answers from its lease table. Other nodes ask the master.
// Returns ErrNoLease if no such lease exists and ErrLookupFailed if the master could not be asked.
// See LookupCode for the numeric form.
func (m *Mesh) GetAddress(nodeID uint8) (address.Address, error) {
	if nodeID == MasterNodeID {
		return address.Master, nil
	}
	if m.IsMaster() {
		if a, ok := m.resolveLocal(nodeID); ok {
			return a, nil
		}
		return address.Default, ErrNoLease
	}
	f, err := m.query(mt.AddrLookup, []byte{nodeID}, LookupTimeout)
	if err != nil {
		return address.Default, err
	}
	v := int16(binary.LittleEndian.Uint16(f.Message))
	if v < 0 {
		return address.Default, ErrNoLease
	}
	return address.Address(v), nil
}

// GetNodeID returns the node id holding addr.
// Same conventions as GetAddress.
func (m *Mesh) GetNodeID(addr address.Address) (uint8, error) {
	return m.nodeIDWithin(addr, LookupTimeout)
}

// nodeIDWithin is GetNodeID with the wait for the master's answer bounded by timeout.
func (m *Mesh) nodeIDWithin(addr address.Address, timeout time.Duration) (uint8, error) {
	if addr == address.Master {
		return MasterNodeID, nil
	}
	if m.IsMaster() {
		if id, ok := m.lookupNodeID(addr); ok {
			return id, nil
		}
		return 0, ErrNoLease
	}
	f, err := m.query(mt.IDLookup, binary.LittleEndian.AppendUint16(nil, uint16(addr)), timeout)
	if err != nil {
		return 0, err
	}
	v := int16(binary.LittleEndian.Uint16(f.Message))
	if v < 0 {
		return 0, ErrNoLease
	}
	return uint8(v), nil
}

// query sends a lookup to the master and waits up to timeout for its answer.
func (m *Mesh) query(typ mt.MessageType, payload []byte, timeout time.Duration) (protocol.Frame, error) {
	if m.meshAddr == address.Default {
		return protocol.Frame{}, fmt.Errorf("%w: %w", ErrLookupFailed, ErrNotConnected)
	}
	hdr := protocol.Header{ToNode: address.Master, Type: typ}
	if err := m.net.Write(&hdr, payload, network.AutoRouting); err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	f, ok := m.waitFor(timeout, func(f protocol.Frame) bool {
		return f.Header.Type == typ && f.Header.FromNode == address.Master && len(f.Message) >= 2
	})
	if !ok {
		return f, fmt.Errorf("%w: no answer from master within %v", ErrLookupFailed, timeout)
	}
	return f, nil
}

// resolveLocal returns the address of nodeID from the master's own table.
func (m *Mesh) resolveLocal(nodeID uint8) (address.Address, bool) {
	if nodeID == MasterNodeID {
		return address.Master, true
	}
	return m.lookupAddress(nodeID)
}

// resolve returns the address of nodeID, consulting the lookup cache before asking the master.
func (m *Mesh) resolve(nodeID uint8) (address.Address, error) {
	if nodeID == m.nodeID {
		return m.meshAddr, nil
	}
	if a, ok := m.cache.Load(nodeID); ok {
		return a, nil
	}
	a, err := m.GetAddress(nodeID)
	if err != nil {
		return a, err
	}
	if m.lookupCacheTTL > 0 && !m.IsMaster() {
		m.cache.Store(nodeID, a, m.lookupCacheTTL)
	}
	return a, nil
}

// Write sends buf to the node identified by nodeID.
// The node id is resolved to an address first; if that fails, nothing is transmitted.
func (m *Mesh) Write(buf []byte, typ mt.MessageType, nodeID uint8) error {
	if m.meshAddr == address.Default {
		return ErrNotConnected
	}
	to, err := m.resolve(nodeID)
	if err != nil {
		return err
	}
	if err := m.WriteTo(to, buf, typ); err != nil {
		// the node may have moved
		m.cache.Delete(nodeID)
		return err
	}
	return nil
}

// WriteTo sends buf to the given logical address.
func (m *Mesh) WriteTo(to address.Address, buf []byte, typ mt.MessageType) error {
	if m.meshAddr == address.Default {
		return ErrNotConnected
	}
	hdr := protocol.Header{ToNode: to, Type: typ}
	return m.net.Write(&hdr, buf, network.AutoRouting)
}

// CheckConnection asks the master for this node's address and reports whether it still matches.
// Does not repair the connection; call RenewAddress if it returns false.
func (m *Mesh) CheckConnection() bool {
	if m.IsMaster() {
		return true
	}
	if m.meshAddr == address.Default {
		return false
	}
	for range ConnectionCheckAttempts {
		a, err := m.GetAddress(m.nodeID)
		if err == nil {
			return a == m.meshAddr
		} else if errors.Is(err, ErrNoLease) {
			return false
		}
		m.log.Debug().Err(err).Msg("connection check lookup failed")
	}
	return false
}

// ReleaseAddress tells the master to free this node's lease, returning to address.Default once it confirms.
// The release is attempted only once.
func (m *Mesh) ReleaseAddress() error {
	if m.IsMaster() {
		return ErrIsMaster
	}
	if m.meshAddr == address.Default {
		return ErrNotConnected
	}
	hdr := protocol.Header{ToNode: address.Master, Type: mt.AddrRelease}
	if err := m.net.Write(&hdr, nil, network.AutoRouting); err != nil {
		return fmt.Errorf("%w: %w", ErrReleaseUnacknowledged, err)
	}
	if _, ok := m.waitFor(LookupTimeout, func(f protocol.Frame) bool {
		return f.Header.Type == mt.AddrRelease && f.Header.FromNode == address.Master
	}); !ok {
		return ErrReleaseUnacknowledged
	}
	m.cache.Clear()
	m.beginDefault()
	m.log.Info().Msg("address released")
	return nil
}

// waitFor pumps the network until a surfaced system frame satisfies match or the timeout elapses.
// Other system frames seen in the meantime are discarded.
func (m *Mesh) waitFor(timeout time.Duration, match func(protocol.Frame) bool) (protocol.Frame, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.net.Update()
		if f, ok := m.net.SystemFrame(); ok {
			if match(f) {
				return f, true
			}
			continue
		}
		time.Sleep(pollInterval)
	}
	return protocol.Frame{}, false
}

// idle pumps the network for d, discarding anything surfaced.
func (m *Mesh) idle(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		m.net.Update()
		time.Sleep(pollInterval)
	}
}
