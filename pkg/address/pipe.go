package address

import "fmt"

// PipeAddress is the 5-byte on-air address a radio pipe listens on.
// Radios configured for narrower address widths only compare the leading bytes.
type PipeAddress [PipeAddressWidth]byte

// PipeAddressWidth is the address width For and LevelAddress need to keep every node's pipes distinct.
// At narrower widths the trailing digits are not compared, so a node's pipes alias its ancestors'.
const PipeAddressWidth = 5

func (p PipeAddress) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x", p[0], p[1], p[2], p[3], p[4])
}

const (
	// DirectPipe is the pipe parents (and direct senders) use to reach a node.
	DirectPipe uint8 = 5
	// MulticastPipe is the pipe every node reserves for listening to its level's multicast address.
	MulticastPipe uint8 = 0
	// PipeCount is the number of reading pipes each node opens.
	PipeCount uint8 = 6
)

// byte values chosen to avoid long runs of identical bits on air
var translation = [7]byte{0xc3, 0x3c, 0x33, 0xce, 0x3e, 0xe3, 0xec}

const filler byte = 0xcc

// For derives the pipe address node listens on for the given pipe (0-5).
// Byte 0 encodes the pipe and bytes 1-4 encode node's digits, most significant first.
//
// Pipe n (1-5) carries traffic from the child in slot n. Pipe 5 additionally carries traffic from the parent and from direct (non-tree) senders.
// Pipe 0 of non-master nodes should be opened at LevelAddress instead.
func For(node Address, pipe uint8) PipeAddress {
	out := PipeAddress{filler, filler, filler, filler, filler}
	out[0] = translation[pipe%6]
	for i, d := range node.Digits() {
		if i >= 4 {
			break
		}
		out[1+i] = translation[d]
	}
	return out
}

// LevelAddress returns the multicast address of the given tree level.
// Nodes at that level listen to it on pipe 0.
// Level 0 is the master alone.
func LevelAddress(level uint8) PipeAddress {
	if level == 0 {
		return For(Master, MulticastPipe)
	}
	// translation[6] never appears in a unicast address, so level addresses cannot collide with them
	return PipeAddress{translation[MulticastPipe], translation[6], translation[level%6], filler, filler}
}
