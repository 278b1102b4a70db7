/*
Package address implements logical node addressing for the tree.

A logical address is a 16-bit value read as octal digits. Each digit selects a child slot (1-5) at one depth of the tree, most significant digit first.
The master sits at 0; its children are 01-05, their children 011-055, and so on down to a depth of MaxDepth.
A child's address is always its parent's address with one low-order digit appended.

Package address also derives the radio pipe addresses each logical node listens on (see pipe.go).
*/
package address

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Address is a logical node address, expressed in octal.
type Address uint16

const (
	// Master is the root of the tree.
	Master Address = 0
	// Default is the sentinel held by nodes that have not (yet) been assigned an address.
	Default Address = 0o4444
	// Multicast is the destination of multicast frames.
	Multicast Address = 0o100
	// MaxDepth is the deepest level an address can describe.
	MaxDepth uint8 = 4
	// MaxSlot is the highest child slot a digit can select.
	MaxSlot uint8 = 5
)

var ErrBadAddress = errors.New("address must be octal with digits 1-5 and at most 4 digits deep")

// IsValid returns true if a is a well-formed address.
// Every digit must be in 1-5, with no zero holes, and a may be no more than MaxDepth digits deep.
// The master (0) and Multicast are valid.
func IsValid(a Address) bool {
	if a == Multicast {
		return true
	}
	var depth uint8
	for v := a; v != 0; v >>= 3 {
		if d := uint8(v & 0o7); d < 1 || d > MaxSlot {
			return false
		}
		depth++
	}
	return depth <= MaxDepth
}

// IsValid is a convenience wrapper around the package-level IsValid.
func (a Address) IsValid() bool {
	return IsValid(a)
}

// Depth returns the number of octal digits in a (which is also its level in the tree).
// The master has a depth of 0.
func (a Address) Depth() uint8 {
	var depth uint8
	for v := a; v != 0; v >>= 3 {
		depth++
	}
	return depth
}

// LastDigit returns the child slot a occupies under its parent.
// This is also the pipe a uses to speak to its parent.
func (a Address) LastDigit() uint8 {
	return uint8(a & 0o7)
}

// Parent returns the parent of a.
// Returns false if a is the master.
func (a Address) Parent() (Address, bool) {
	if a == Master {
		return Master, false
	}
	return a >> 3, true
}

// Child returns the address of the given slot under a.
func (a Address) Child(slot uint8) Address {
	return a<<3 | Address(slot&0o7)
}

// IsDescendantOf returns true if a sits somewhere in the subtree below ancestor.
// A node is not its own descendant.
func (a Address) IsDescendantOf(ancestor Address) bool {
	da, dan := a.Depth(), ancestor.Depth()
	if da <= dan {
		return false
	}
	return a>>(3*Address(da-dan)) == ancestor
}

// DirectChildToward returns the child of a that leads to dest.
// Returns false if dest is not a descendant of a.
func (a Address) DirectChildToward(dest Address) (Address, bool) {
	if !dest.IsDescendantOf(a) {
		return 0, false
	}
	return dest >> (3 * Address(dest.Depth()-a.Depth()-1)), true
}

// Digits returns the slot digits of a, most significant first.
// The master has no digits.
func (a Address) Digits() []uint8 {
	d := make([]uint8, a.Depth())
	for i, v := len(d)-1, a; i >= 0; i, v = i-1, v>>3 {
		d[i] = uint8(v & 0o7)
	}
	return d
}

// String returns a in conventional octal notation (ex: "0", "014").
func (a Address) String() string {
	if a == 0 {
		return "0"
	}
	return "0" + strconv.FormatUint(uint64(a), 8)
}

// Parse reads an octal address.
// Accepts "0o14", "014", and "14" equivalently.
// Does not check validity; only that s is octal and fits into 16 bits.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrBadAddress)
	}
	v, err := strconv.ParseUint(s, 8, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return Address(v), nil
}

// MarshalText renders a as octal text.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses octal text into a.
func (a *Address) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
