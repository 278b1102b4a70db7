/*
Package network implements the tree-routed network layer that sits on top of a transport.Radio.

A Network owns one radio and one logical address. Frames are routed toward their destination one hop at a time: down the tree if the destination is a descendant, up to the parent otherwise.
Messages larger than a single frame are fragmented on write and reassembled by the recipient before they are queued.

A Network performs no work in the background. The caller must call Update regularly (typically in a tight loop) to drain the radio, relay frames meant for other nodes, and fill the receive queues.
A Network is not safe for concurrent use; drive it from a single goroutine.
*/
package network

import (
	"errors"
	"fmt"
	"time"

	"github.com/rflandau/rfmesh/internal/misc"
	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/rflandau/rfmesh/pkg/transport"
	"github.com/rs/zerolog"
)

const (
	// DefaultTxTimeout bounds a single hop's transmission (including automatic retries).
	DefaultTxTimeout = 25 * time.Millisecond
	// DefaultRouteTimeout bounds the wait for a network-level acknowledgment of a routed frame.
	DefaultRouteTimeout = 3 * DefaultTxTimeout
	// DefaultQueueCapacity is the number of messages each receive queue holds before dropping new arrivals.
	DefaultQueueCapacity = 16

	// AutoRouting, passed as a write's direct target, lets the network pick the next hop.
	AutoRouting address.Address = 0o70
)

// Flags alter network behavior. See SetFlags.
type Flags uint8

const (
	// FlagHoldIncoming stops Update from reading the radio; frames wait in the radio's FIFO.
	FlagHoldIncoming Flags = 1 << iota
	// FlagBypassHolds overrides FlagHoldIncoming.
	FlagBypassHolds
	// FlagFastFrag is always in effect: only the last fragment of a message waits for a network acknowledgment.
	FlagFastFrag
	// FlagNoPoll stops the node from answering POLLs (and thus from being chosen as a contact by unconnected nodes).
	FlagNoPoll
)

var (
	ErrNotReady        = errors.New("network has not begun")
	ErrInvalidAddress  = errors.New("invalid logical address")
	ErrInvalidLevel    = errors.New("multicast level must be 0 <= x <= 4")
	ErrRouteTimeout    = errors.New("routed frame was not acknowledged within the route timeout")
	ErrMessageTooLarge = protocol.ErrMessageTooLarge
	ErrAddressWidth    = fmt.Errorf("radio address width must be %d bytes for tree addressing", address.PipeAddressWidth)
)

// A Network is the network layer of a single node.
// Create one with New and Begin it at a logical address before use.
type Network struct {
	log   *zerolog.Logger
	radio transport.Radio

	addr           address.Address
	ready          bool
	multicastLevel uint8
	multicastRelay bool
	returnSysMsgs  bool
	flags          Flags

	txTimeout    time.Duration
	routeTimeout time.Duration

	queue       frameQueue // user (and unsurfaced system) messages
	external    frameQueue // EXTERNAL_DATA messages
	reassembler protocol.Reassembler

	sysFrame    protocol.Frame // most recent system frame Update returned early for
	hasSysFrame bool
	deferred    []protocol.Frame // system frames that arrived while waiting for an ACK

	nextID uint16

	ack struct {
		waiting bool
		id      uint16
		got     bool
	}
}

// Option function to set various options on the network.
// Uses defaults if an option is not set.
type Option func(*Network)

// WithLogger replaces the network's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(n *Network) { n.log = l }
}

// WithTxTimeout overwrites DefaultTxTimeout.
func WithTxTimeout(d time.Duration) Option {
	return func(n *Network) { n.txTimeout = d }
}

// WithRouteTimeout overwrites DefaultRouteTimeout.
func WithRouteTimeout(d time.Duration) Option {
	return func(n *Network) { n.routeTimeout = d }
}

// WithQueueCapacity overwrites DefaultQueueCapacity.
func WithQueueCapacity(c int) Option {
	return func(n *Network) {
		n.queue = newFrameQueue(c)
		n.external = newFrameQueue(c)
	}
}

// WithMulticastRelay sets whether received multicast frames are repeated to the next level down.
func WithMulticastRelay(relay bool) Option {
	return func(n *Network) { n.multicastRelay = relay }
}

// New returns a network layer driving the given radio.
// The network is not usable until Begin is called.
func New(radio transport.Radio, opts ...Option) *Network {
	n := &Network{
		radio:        radio,
		addr:         address.Default,
		txTimeout:    DefaultTxTimeout,
		routeTimeout: DefaultRouteTimeout,
		queue:        newFrameQueue(DefaultQueueCapacity),
		external:     newFrameQueue(DefaultQueueCapacity),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = misc.DefaultLogger("net", "network")
	}
	return n
}

// Begin (re)starts the network at the given logical address, opening the radio's six reading pipes.
// Does not check whether the address is reachable or in use.
// The radio must use the full pipe address width, see ErrAddressWidth.
// Queued messages survive a restart.
func (n *Network) Begin(addr address.Address) error {
	if !address.IsValid(addr) || addr == address.Multicast {
		return ErrInvalidAddress
	}
	if w := n.radio.Config().AddressWidth; w != address.PipeAddressWidth {
		return fmt.Errorf("%w (radio uses %d)", ErrAddressWidth, w)
	}
	n.addr = addr
	n.multicastLevel = addr.Depth()
	for p := uint8(1); p < address.PipeCount; p++ {
		if err := n.radio.OpenReadingPipe(p, address.For(addr, p)); err != nil {
			return err
		}
	}
	if err := n.radio.OpenReadingPipe(address.MulticastPipe, address.LevelAddress(n.multicastLevel)); err != nil {
		return err
	}
	n.ready = true
	n.log.Debug().Func(n.Zerolog).Msg("network begun")
	return nil
}

//#region getters and setters

// Address returns the node's logical address.
// Returns address.Default if the network has not begun.
func (n *Network) Address() address.Address {
	return n.addr
}

// Parent returns the logical address of the node's parent.
// Returns false for the master.
func (n *Network) Parent() (address.Address, bool) {
	return n.addr.Parent()
}

// Radio returns the radio the network drives.
func (n *Network) Radio() transport.Radio {
	return n.radio
}

// IsValidAddress reports whether a is a well-formed logical address.
func (n *Network) IsValidAddress(a address.Address) bool {
	return address.IsValid(a)
}

// MulticastLevel returns the level this node listens to multicasts on.
func (n *Network) MulticastLevel() uint8 {
	return n.multicastLevel
}

// SetMulticastLevel changes the level this node listens to multicasts on.
// Defaults to the depth of the node's address.
func (n *Network) SetMulticastLevel(level uint8) error {
	if level > address.MaxDepth {
		return ErrInvalidLevel
	}
	n.multicastLevel = level
	return n.radio.OpenReadingPipe(address.MulticastPipe, address.LevelAddress(level))
}

// MulticastRelay returns whether received multicasts are relayed one level down.
func (n *Network) MulticastRelay() bool {
	return n.multicastRelay
}

// SetMulticastRelay sets whether received multicasts are relayed one level down.
func (n *Network) SetMulticastRelay(relay bool) {
	n.multicastRelay = relay
}

// ReturnSysMsgs returns whether Update surfaces system messages to the caller.
func (n *Network) ReturnSysMsgs() bool {
	return n.returnSysMsgs
}

// SetReturnSysMsgs sets whether Update returns immediately upon receiving a system message addressed to this node.
// The frame is then available from SystemFrame instead of the receive queue.
// The mesh layer requires this.
func (n *Network) SetReturnSysMsgs(ret bool) {
	n.returnSysMsgs = ret
}

// Flags returns the current network flags.
func (n *Network) Flags() Flags {
	return n.flags
}

// SetFlags replaces the current network flags.
func (n *Network) SetFlags(f Flags) {
	n.flags = f
}

// TxTimeout returns the per-hop transmission bound.
func (n *Network) TxTimeout() time.Duration {
	return n.txTimeout
}

// SetTxTimeout sets the per-hop transmission bound.
func (n *Network) SetTxTimeout(d time.Duration) {
	n.txTimeout = d
}

// RouteTimeout returns how long routed writes wait for a network acknowledgment.
func (n *Network) RouteTimeout() time.Duration {
	return n.routeTimeout
}

// SetRouteTimeout sets how long routed writes wait for a network acknowledgment.
func (n *Network) SetRouteTimeout(d time.Duration) {
	n.routeTimeout = d
}

// SystemFrame returns the system frame that caused the most recent call to Update to return early.
// Returns false if the most recent Update did not surface one.
func (n *Network) SystemFrame() (protocol.Frame, bool) {
	return n.sysFrame, n.hasSysFrame
}

//#endregion getters and setters

// Zerolog attaches the network's state to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (n *Network) Zerolog(ev *zerolog.Event) {
	ev.Str("address", n.addr.String()).
		Bool("ready", n.ready).
		Uint8("multicast level", n.multicastLevel).
		Bool("multicast relay", n.multicastRelay).
		Bool("return sys msgs", n.returnSysMsgs).
		Uint8("flags", uint8(n.flags)).
		Int("queued", n.queue.Len()).
		Int("queued external", n.external.Len())
}
