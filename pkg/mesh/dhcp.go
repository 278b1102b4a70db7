package mesh

import (
	"encoding/binary"

	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/network"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/rflandau/rfmesh/pkg/protocol/mt"
)

// Update drives the network layer (see network.Network.Update) and, on the master, answers lookups and queues address requests for DHCP.
// Returns the type of the last frame handled.
func (m *Mesh) Update() mt.MessageType {
	typ := m.net.Update()
	f, ok := m.net.SystemFrame()
	if !ok || !m.IsMaster() || m.meshAddr == address.Default {
		return typ
	}
	switch f.Header.Type {
	case mt.ReqAddress:
		m.queueRequest(f.Header)
	case mt.AddrLookup:
		m.answerAddrLookup(f)
	case mt.IDLookup:
		m.answerIDLookup(f)
	case mt.AddrRelease:
		m.answerRelease(f)
	}
	return typ
}

// queueRequest holds an address request until the next call to DHCP.
// A repeated request from the same node through the same contact replaces the older one.
func (m *Mesh) queueRequest(hdr protocol.Header) {
	for i, p := range m.pending {
		if p.Reserved == hdr.Reserved && p.FromNode == hdr.FromNode {
			m.pending[i] = hdr
			return
		}
	}
	if len(m.pending) >= maxPending {
		m.log.Warn().Uint8("node id", hdr.Reserved).Msg("too many pending address requests; request dropped")
		return
	}
	m.pending = append(m.pending, hdr)
}

// DHCP assigns addresses to every node whose request arrived since the last call.
// Master only; a no-op on other nodes. Call it after Update.
//
// Each requester is placed under the contact that forwarded its request, in the highest free slot.
// A slot is free if no other node id holds it; the requester's own lease is reused when it still fits.
func (m *Mesh) DHCP() {
	if !m.IsMaster() || len(m.pending) == 0 {
		return
	}
	m.pruneLeases()
	reqs := m.pending
	m.pending = nil
	for _, req := range reqs {
		m.assign(req)
	}
}

// assign leases an address to a single requester and tells it so.
func (m *Mesh) assign(req protocol.Header) {
	var (
		nodeID   = req.Reserved
		fwdBy    = req.FromNode
		maxSlot  = uint8(MaxChildren)
		viaProxy = true
	)
	if fwdBy == address.Default {
		// the master heard the request itself
		fwdBy, viaProxy = address.Master, false
		maxSlot++
	}
	if nodeID == MasterNodeID || fwdBy.Depth() >= address.MaxDepth {
		m.log.Debug().Uint8("node id", nodeID).Str("contact", fwdBy.String()).Msg("unable to assign an address under this contact")
		return
	}

	var (
		newAddr address.Address
		found   bool
	)
	for slot := maxSlot; slot > 0; slot-- {
		candidate := fwdBy.Child(slot)
		if candidate == address.Default {
			continue
		}
		if holder, held := m.lookupNodeID(candidate); held && holder != nodeID {
			continue
		}
		newAddr, found = candidate, true
		break
	}
	if !found {
		m.log.Info().Uint8("node id", nodeID).Str("contact", fwdBy.String()).Msg("no free slots under contact")
		return
	}
	if err := m.SetAddress(nodeID, newAddr, false); err != nil {
		m.log.Warn().Err(err).Uint8("node id", nodeID).Msg("failed to record lease")
		return
	}

	hdr := protocol.Header{ToNode: req.FromNode, Type: mt.AddrResponse, Reserved: nodeID}
	payload := binary.LittleEndian.AppendUint16(nil, uint16(newAddr))
	var err error
	if viaProxy {
		err = m.net.Write(&hdr, payload, network.AutoRouting)
	} else {
		err = m.net.Write(&hdr, payload, address.Default)
	}
	if err != nil {
		m.log.Info().Err(err).Uint8("node id", nodeID).Str("address", newAddr.String()).Msg("failed to deliver address response")
	} else {
		m.log.Info().Uint8("node id", nodeID).Str("address", newAddr.String()).Msg("address leased")
	}

	if m.autoSave {
		_ = m.SaveDHCP() // logged by SaveDHCP
	}
}

// answerAddrLookup replies to a node asking for the address of a node id.
func (m *Mesh) answerAddrLookup(f protocol.Frame) {
	if len(f.Message) < 1 {
		return
	}
	id := f.Message[0]
	reply := int16(-1)
	if a, ok := m.resolveLocal(id); ok {
		reply = int16(a)
		if a == f.Header.FromNode {
			m.refreshLease(id)
		}
	}
	m.reply(f.Header, mt.AddrLookup, reply)
}

// answerIDLookup replies to a node asking which node id holds an address.
func (m *Mesh) answerIDLookup(f protocol.Frame) {
	if len(f.Message) < 2 {
		return
	}
	a := address.Address(binary.LittleEndian.Uint16(f.Message))
	reply := int16(-1)
	if a == address.Master {
		reply = int16(MasterNodeID)
	} else if id, ok := m.lookupNodeID(a); ok {
		reply = int16(id)
		if a == f.Header.FromNode {
			m.refreshLease(id)
		}
	}
	m.reply(f.Header, mt.IDLookup, reply)
}

// answerRelease frees the lease held by the sender's address and confirms it.
func (m *Mesh) answerRelease(f protocol.Frame) {
	if id, ok := m.lookupNodeID(f.Header.FromNode); ok {
		m.RemoveLease(id)
		m.log.Info().Uint8("node id", id).Str("address", f.Header.FromNode.String()).Msg("address released")
	}
	hdr := protocol.Header{ToNode: f.Header.FromNode, Type: mt.AddrRelease}
	if err := m.net.Write(&hdr, nil, network.AutoRouting); err != nil {
		m.log.Debug().Err(err).Str("requester", f.Header.FromNode.String()).Msg("failed to confirm release")
	}
}

// reply sends a signed 16-bit lookup result back to the requester.
func (m *Mesh) reply(req protocol.Header, typ mt.MessageType, v int16) {
	hdr := protocol.Header{ToNode: req.FromNode, Type: typ}
	payload := binary.LittleEndian.AppendUint16(nil, uint16(v))
	if err := m.net.Write(&hdr, payload, network.AutoRouting); err != nil {
		m.log.Debug().Err(err).Str("requester", req.FromNode.String()).Stringer("type", typ).Msg("failed to answer lookup")
	}
}
