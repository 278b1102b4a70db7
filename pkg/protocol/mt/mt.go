// Package mt (message type) enumerates the frame types understood by the network and mesh layers.
//
// Types 1-127 belong to the application. Of those, 65-127 request a network-level acknowledgment when they are routed across more than one hop.
// Types 128 and up are reserved for the stack itself.
package mt

import "strconv"

// MessageType is the type byte of a frame header.
type MessageType uint8

const (
	// MaxUserDefined is the highest type available to applications.
	MaxUserDefined MessageType = 127

	AddrResponse MessageType = 128 // master (via a contact) hands an address to a requester
	AddrConfirm  MessageType = 129
	Ping         MessageType = 130 // consumed silently by the recipient
	ExternalData MessageType = 131 // routed to the external queue

	FirstFragment MessageType = 148
	MoreFragments MessageType = 149
	LastFragment  MessageType = 150

	Overrun    MessageType = 160 // returned by Update when a frame was dropped on a full queue
	Corruption MessageType = 161

	Ack         MessageType = 193 // network-level acknowledgment of a routed frame
	Poll        MessageType = 194 // contact discovery
	ReqAddress  MessageType = 195 // address request, forwarded to the master
	AddrLookup  MessageType = 196 // node id -> address
	AddrRelease MessageType = 197
	IDLookup    MessageType = 198 // address -> node id
)

// IsUser returns true if t is an application-defined type.
func (t MessageType) IsUser() bool {
	return t >= 1 && t <= MaxUserDefined
}

// IsSystem returns true if t is reserved for the stack.
func (t MessageType) IsSystem() bool {
	return t > MaxUserDefined
}

// IsFragment returns true if t is one of the fragmentation types.
func (t MessageType) IsFragment() bool {
	return t == FirstFragment || t == MoreFragments || t == LastFragment
}

// RequestsAck returns true if a frame of this type should be acknowledged by the network once it reaches its destination through a relay.
func (t MessageType) RequestsAck() bool {
	return t > 64 && t < 192
}

// String returns the string representation of the given MessageType.
// It is just a big switch statement.
func (t MessageType) String() string {
	switch t {
	case AddrResponse:
		return "ADDR_RESPONSE"
	case AddrConfirm:
		return "ADDR_CONFIRM"
	case Ping:
		return "PING"
	case ExternalData:
		return "EXTERNAL_DATA"
	case FirstFragment:
		return "FIRST_FRAGMENT"
	case MoreFragments:
		return "MORE_FRAGMENTS"
	case LastFragment:
		return "LAST_FRAGMENT"
	case Overrun:
		return "OVERRUN"
	case Corruption:
		return "CORRUPTION"
	case Ack:
		return "ACK"
	case Poll:
		return "POLL"
	case ReqAddress:
		return "REQ_ADDRESS"
	case AddrLookup:
		return "ADDR_LOOKUP"
	case AddrRelease:
		return "ADDR_RELEASE"
	case IDLookup:
		return "ID_LOOKUP"
	}
	if t.IsUser() {
		return "USER_" + strconv.FormatUint(uint64(t), 10)
	}
	return "UNKNOWN"
}
