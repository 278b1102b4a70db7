package network

import (
	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/rflandau/rfmesh/pkg/protocol/mt"
)

// maxFramesPerUpdate bounds the frames a single Update processes so a busy radio cannot starve the caller.
const maxFramesPerUpdate = 64

// maxDeferred bounds the system frames held back while a write waits for an acknowledgment.
const maxDeferred = 8

// Update drains the radio, handling every frame received since the last call.
//
// Frames for this node are queued (user messages) or surfaced (system messages, if ReturnSysMsgs is set).
// Frames for other nodes are relayed toward their destination.
// Multicast POLLs are answered so unconnected nodes can find a contact.
//
// Returns the type of the last frame handled, or 0 if nothing was received.
// If a system message is surfaced, Update returns immediately with its type; the frame is then available via SystemFrame until the next call to Update.
// Returns mt.Overrun if a message was dropped because its queue was full.
func (n *Network) Update() mt.MessageType {
	if !n.ready {
		return 0
	}
	n.hasSysFrame = false
	if len(n.deferred) > 0 && !n.ack.waiting {
		f := n.deferred[0]
		n.deferred = n.deferred[1:]
		n.sysFrame, n.hasSysFrame = f, true
		return f.Header.Type
	}
	if n.flags&FlagHoldIncoming != 0 && n.flags&FlagBypassHolds == 0 {
		return 0
	}

	var ret mt.MessageType
	for range maxFramesPerUpdate {
		raw, pipe, ok := n.radio.Receive()
		if !ok {
			break
		}
		f, err := protocol.Unmarshal(raw)
		if err != nil {
			n.log.Debug().Err(err).Uint8("pipe", pipe).Int("length", len(raw)).Msg("dropped malformed frame")
			continue
		}
		if !address.IsValid(f.Header.ToNode) || !address.IsValid(f.Header.FromNode) {
			n.log.Debug().Func(f.Header.Zerolog).Msg("dropped frame with invalid address")
			continue
		}
		n.log.Debug().Func(f.Header.Zerolog).Uint8("pipe", pipe).Msg("frame received")

		typ, stop := n.handle(f)
		if typ != 0 {
			ret = typ
		}
		if stop {
			return typ
		}
	}
	return ret
}

// handle processes a single frame.
// Returns the type to report and whether Update should return immediately.
func (n *Network) handle(f protocol.Frame) (mt.MessageType, bool) {
	hdr := f.Header
	switch hdr.ToNode {
	case n.addr:
		return n.handleLocal(f)
	case address.Multicast:
		return n.handleMulticast(f)
	}
	// not for us; relay it
	if n.addr != address.Default {
		n.relay(f)
	}
	return 0, false
}

// handleLocal processes a frame addressed to this node.
func (n *Network) handleLocal(f protocol.Frame) (mt.MessageType, bool) {
	hdr := f.Header
	switch hdr.Type {
	case mt.Ping:
		return hdr.Type, false
	case mt.Ack:
		if n.ack.waiting && hdr.ID == n.ack.id {
			n.ack.got = true
		}
		return hdr.Type, !n.ack.waiting
	case mt.AddrResponse:
		// contacts pass address responses on to the (unconnected) requester
		if n.addr != address.Default {
			f.Header.ToNode = address.Default
			if err := n.writeFrame(f, address.Default, false); err != nil {
				n.log.Debug().Err(err).Func(f.Header.Zerolog).Msg("failed to pass address response to requester")
			}
			return hdr.Type, false
		}
	case mt.ReqAddress:
		// contacts pass address requests on to the master
		if n.addr != address.Master {
			f.Header.FromNode, f.Header.ToNode = n.addr, address.Master
			if err := n.writeFrame(f, AutoRouting, false); err != nil {
				n.log.Debug().Err(err).Func(f.Header.Zerolog).Msg("failed to pass address request to master")
			}
			return hdr.Type, false
		}
	}

	if hdr.Type.IsSystem() && !hdr.Type.IsFragment() && hdr.Type != mt.ExternalData {
		if n.returnSysMsgs {
			return n.surface(f)
		}
		switch hdr.Type {
		case mt.Poll, mt.AddrResponse, mt.ReqAddress:
			return hdr.Type, false // consumed
		}
	}
	return n.enqueue(f)
}

// surface hands a system frame to the caller, or holds it back if a write is waiting on an acknowledgment.
func (n *Network) surface(f protocol.Frame) (mt.MessageType, bool) {
	if n.ack.waiting {
		if len(n.deferred) < maxDeferred {
			n.deferred = append(n.deferred, f)
		} else {
			n.log.Debug().Func(f.Header.Zerolog).Msg("dropped system frame; too many deferred")
		}
		return f.Header.Type, false
	}
	n.sysFrame, n.hasSysFrame = f, true
	return f.Header.Type, true
}

// handleMulticast processes a frame sent to this node's multicast level.
func (n *Network) handleMulticast(f protocol.Frame) (mt.MessageType, bool) {
	if f.Header.Type == mt.Poll {
		if n.flags&FlagNoPoll == 0 && n.addr != address.Default {
			reply := protocol.Frame{Header: protocol.Header{
				FromNode: n.addr,
				ToNode:   f.Header.FromNode,
				ID:       f.Header.ID,
				Type:     mt.Poll,
			}}
			if err := n.writeFrame(reply, f.Header.FromNode, false); err != nil {
				n.log.Debug().Err(err).Str("requester", f.Header.FromNode.String()).Msg("failed to answer poll")
			}
		}
		return 0, false
	}
	if n.multicastRelay && n.multicastLevel < address.MaxDepth {
		if err := n.transmit(f, address.LevelAddress(n.multicastLevel+1), true); err != nil {
			n.log.Debug().Err(err).Msg("failed to relay multicast")
		}
	}
	return n.enqueue(f)
}

// enqueue reassembles fragments and places complete messages into the appropriate queue.
func (n *Network) enqueue(f protocol.Frame) (mt.MessageType, bool) {
	if f.Header.Type.IsFragment() {
		out, done, err := n.reassembler.Add(f)
		if err != nil {
			n.log.Debug().Err(err).Func(f.Header.Zerolog).Msg("dropped fragment")
			return 0, false
		} else if !done {
			return f.Header.Type, false
		}
		f = out
	}

	if f.Header.Type == mt.ExternalData {
		if !n.external.push(f) {
			n.log.Warn().Func(f.Header.Zerolog).Msg("external queue full; message dropped")
			return mt.Overrun, false
		}
		return mt.ExternalData, true
	}
	if !n.queue.push(f) {
		n.log.Warn().Func(f.Header.Zerolog).Msg("queue full; message dropped")
		return mt.Overrun, false
	}
	return f.Header.Type, false
}

// relay passes a frame destined elsewhere on toward its destination.
// When this hop delivers the frame to its destination, the origin is sent a network acknowledgment (for types that request one).
func (n *Network) relay(f protocol.Frame) {
	next, pa := n.route(f.Header.ToNode)
	if err := n.transmit(f, pa, false); err != nil {
		n.log.Debug().Err(err).Func(f.Header.Zerolog).Str("next hop", next.String()).Msg("failed to relay frame")
		return
	}
	typ := f.Header.Type
	if next != f.Header.ToNode || !typ.RequestsAck() || typ == mt.FirstFragment || typ == mt.MoreFragments {
		return
	}
	ack := protocol.Frame{Header: protocol.Header{
		FromNode: n.addr,
		ToNode:   f.Header.FromNode,
		ID:       f.Header.ID,
		Type:     mt.Ack,
	}}
	if err := n.writeFrame(ack, AutoRouting, false); err != nil {
		n.log.Debug().Err(err).Str("origin", f.Header.FromNode.String()).Msg("failed to acknowledge routed frame")
	}
}
