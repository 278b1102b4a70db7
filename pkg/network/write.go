package network

import (
	"context"
	"fmt"
	"time"

	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/protocol"
)

// ackPollInterval is how long a write waiting for a network acknowledgment sleeps between radio checks.
const ackPollInterval = 200 * time.Microsecond

// Write sends msg to hdr.ToNode, fragmenting it if it does not fit into a single frame.
// hdr.FromNode and hdr.ID are filled in by the network.
//
// If writeDirect is AutoRouting, the next hop is chosen by tree routing.
// Otherwise the frame is handed straight to writeDirect, which relays it onward if it is not the destination.
//
// A nil return means every frame was acknowledged by the next hop and, where the frame had to pass through a relay, that the network acknowledged delivery within the route timeout.
// Writes to this node's own address are queued locally.
func (n *Network) Write(hdr *protocol.Header, msg []byte, writeDirect address.Address) error {
	if !n.ready {
		return ErrNotReady
	}
	if !address.IsValid(hdr.ToNode) || hdr.ToNode == address.Multicast {
		return fmt.Errorf("%w: destination %v", ErrInvalidAddress, hdr.ToNode)
	}
	if writeDirect != AutoRouting && !address.IsValid(writeDirect) {
		return fmt.Errorf("%w: direct target %v", ErrInvalidAddress, writeDirect)
	}
	if len(msg) > protocol.MaxMessageSize {
		return ErrMessageTooLarge
	}
	hdr.FromNode = n.addr
	hdr.ID = n.nextID
	n.nextID++

	if hdr.ToNode == n.addr {
		typ, _ := n.enqueue(protocol.Frame{Header: *hdr, Message: append([]byte{}, msg...)})
		if typ != hdr.Type {
			return fmt.Errorf("failed to queue message to self (outcome %v)", typ)
		}
		return nil
	}

	frames, err := protocol.Fragment(*hdr, msg)
	if err != nil {
		return err
	}
	for i, f := range frames {
		if err := n.writeFrame(f, writeDirect, i == len(frames)-1); err != nil {
			if len(frames) > 1 {
				return fmt.Errorf("fragment %d of %d: %w", i+1, len(frames), err)
			}
			return err
		}
	}
	return nil
}

// Multicast sends msg to every node listening on the given level (0 = master, 1 = the master's children, ...).
// Multicasts are never acknowledged; a nil return only means the frames were transmitted.
// hdr.FromNode, hdr.ToNode, and hdr.ID are filled in by the network.
func (n *Network) Multicast(hdr *protocol.Header, msg []byte, level uint8) error {
	if !n.ready {
		return ErrNotReady
	}
	if level > address.MaxDepth {
		return ErrInvalidLevel
	}
	hdr.FromNode, hdr.ToNode = n.addr, address.Multicast
	hdr.ID = n.nextID
	n.nextID++

	frames, err := protocol.Fragment(*hdr, msg)
	if err != nil {
		return err
	}
	pa := address.LevelAddress(level)
	for _, f := range frames {
		if err := n.transmit(f, pa, true); err != nil {
			return err
		}
	}
	return nil
}

// writeFrame sends a single frame toward its destination, either by tree routing or directly to writeDirect.
// If awaitAck is set and the frame's first hop is not its destination, waits for the network acknowledgment.
func (n *Network) writeFrame(f protocol.Frame, writeDirect address.Address, awaitAck bool) error {
	var (
		next address.Address
		pa   address.PipeAddress
	)
	if writeDirect == AutoRouting {
		next, pa = n.route(f.Header.ToNode)
	} else {
		next, pa = writeDirect, n.directPipe(writeDirect)
	}
	if awaitAck && next != f.Header.ToNode && f.Header.Type.RequestsAck() {
		// arm before transmitting so an acknowledgment racing the send is not missed
		n.ack.waiting, n.ack.id, n.ack.got = true, f.Header.ID, false
		defer func() { n.ack.waiting = false }()
		if err := n.transmit(f, pa, false); err != nil {
			return fmt.Errorf("next hop %v: %w", next, err)
		}
		return n.awaitAck()
	}
	if err := n.transmit(f, pa, false); err != nil {
		return fmt.Errorf("next hop %v: %w", next, err)
	}
	return nil
}

// awaitAck pumps the radio until the armed acknowledgment arrives or the route timeout elapses.
func (n *Network) awaitAck() error {
	deadline := time.Now().Add(n.routeTimeout)
	for {
		n.Update()
		if n.ack.got {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrRouteTimeout
		}
		time.Sleep(ackPollInterval)
	}
}

// route returns the next hop toward dest and the pipe address to transmit on.
func (n *Network) route(dest address.Address) (address.Address, address.PipeAddress) {
	if n.addr == address.Default {
		// unconnected nodes are not part of the tree; they can only speak directly
		return dest, n.directPipe(dest)
	}
	if child, ok := n.addr.DirectChildToward(dest); ok {
		return child, address.For(child, address.DirectPipe)
	}
	if parent, ok := n.addr.Parent(); ok {
		return parent, address.For(parent, n.addr.LastDigit())
	}
	// the master holds every valid address in its subtree, so only the unconnected are left
	return dest, address.For(dest, address.DirectPipe)
}

// directPipe returns the pipe address used to hand a frame straight to the given node.
func (n *Network) directPipe(to address.Address) address.PipeAddress {
	if parent, ok := n.addr.Parent(); ok && n.addr != address.Default && to == parent {
		return address.For(parent, n.addr.LastDigit())
	}
	return address.For(to, address.DirectPipe)
}

// transmit puts a single frame on air, bounded by the tx timeout.
func (n *Network) transmit(f protocol.Frame, pa address.PipeAddress, multicast bool) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.txTimeout)
	defer cancel()
	if err := n.radio.Send(ctx, pa, b, multicast); err != nil {
		return err
	}
	n.log.Debug().Func(f.Header.Zerolog).Str("pipe address", pa.String()).Bool("multicast", multicast).Msg("frame sent")
	return nil
}
