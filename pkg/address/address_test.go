package address_test

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	. "github.com/rflandau/rfmesh/internal/testsupport"
	"github.com/rflandau/rfmesh/pkg/address"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		addr address.Address
		want bool
	}{
		{address.Master, true},
		{0o1, true},
		{0o5, true},
		{0o52, true},
		{0o521, true},
		{0o5555, true},
		{address.Default, true},
		{address.Multicast, true},
		{0o6, false},     // out of range slot
		{0o7, false},     // out of range slot
		{0o76, false},    // out of range slot at depth 1
		{0o10, false},    // hole
		{0o501, false},   // hole in the middle
		{0o11111, false}, // too deep
		{0o1006, false},
	}
	for _, tt := range tests {
		t.Run(tt.addr.String(), func(t *testing.T) {
			if got := address.IsValid(tt.addr); got != tt.want {
				t.Error(ExpectedActual(tt.want, got))
			}
			if got := tt.addr.IsValid(); got != tt.want {
				t.Error("method disagrees with package function" + ExpectedActual(tt.want, got))
			}
		})
	}

	t.Run("every valid address", func(t *testing.T) {
		// walk the whole tree from the master and ensure everything reachable is valid and unique
		seen := map[address.Address]bool{address.Master: true}
		frontier := []address.Address{address.Master}
		for len(frontier) > 0 {
			a := frontier[0]
			frontier = frontier[1:]
			if a.Depth() == address.MaxDepth {
				continue
			}
			for slot := uint8(1); slot <= address.MaxSlot; slot++ {
				c := a.Child(slot)
				if !address.IsValid(c) {
					t.Fatalf("child %v of %v is invalid", c, a)
				}
				if seen[c] {
					t.Fatalf("child %v of %v was already seen", c, a)
				}
				seen[c] = true
				frontier = append(frontier, c)
			}
		}
		// 1 + 5 + 25 + 125 + 625
		if len(seen) != 781 {
			t.Error("bad tree size" + ExpectedActual(781, len(seen)))
		}
	})
}

func TestTreeMath(t *testing.T) {
	t.Run("depth and last digit", func(t *testing.T) {
		tests := []struct {
			addr  address.Address
			depth uint8
			last  uint8
		}{
			{address.Master, 0, 0},
			{0o3, 1, 3},
			{0o52, 2, 2},
			{0o521, 3, 1},
			{0o4444, 4, 4},
		}
		for _, tt := range tests {
			if d := tt.addr.Depth(); d != tt.depth {
				t.Errorf("%v depth%v", tt.addr, ExpectedActual(tt.depth, d))
			}
			if l := tt.addr.LastDigit(); l != tt.last {
				t.Errorf("%v last digit%v", tt.addr, ExpectedActual(tt.last, l))
			}
		}
	})

	t.Run("parent", func(t *testing.T) {
		if _, ok := address.Master.Parent(); ok {
			t.Error("master should not have a parent")
		}
		for child, parent := range map[address.Address]address.Address{0o5: 0, 0o52: 0o5, 0o521: 0o52, 0o1234: 0o123} {
			p, ok := child.Parent()
			if !ok || p != parent {
				t.Errorf("parent of %v%v", child, ExpectedActual(parent, p))
			}
			if c := parent.Child(child.LastDigit()); c != child {
				t.Errorf("child of %v%v", parent, ExpectedActual(child, c))
			}
		}
	})

	t.Run("descendants", func(t *testing.T) {
		tests := []struct {
			a, ancestor address.Address
			want        bool
		}{
			{0o521, 0o52, true},
			{0o521, 0o5, true},
			{0o521, address.Master, true},
			{0o52, 0o52, false},
			{0o52, 0o521, false},
			{0o512, 0o52, false},
			{0o25, 0o52, false},
			{0o5, address.Master, true},
		}
		for _, tt := range tests {
			if got := tt.a.IsDescendantOf(tt.ancestor); got != tt.want {
				t.Errorf("%v descendant of %v%v", tt.a, tt.ancestor, ExpectedActual(tt.want, got))
			}
		}
	})

	t.Run("direct child toward", func(t *testing.T) {
		tests := []struct {
			from, dest address.Address
			want       address.Address
			ok         bool
		}{
			{0o52, 0o521, 0o521, true},
			{0o52, 0o5213, 0o521, true},
			{address.Master, 0o5213, 0o5, true},
			{0o5, 0o5213, 0o52, true},
			{0o52, 0o5, 0, false},
			{0o52, 0o31, 0, false},
			{0o52, 0o52, 0, false},
		}
		for _, tt := range tests {
			got, ok := tt.from.DirectChildToward(tt.dest)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("%v toward %v%v", tt.from, tt.dest, ExpectedActual(tt.want, got))
			}
		}
	})

	t.Run("digits", func(t *testing.T) {
		if d := address.Address(0o5213).Digits(); !slices.Equal(d, []uint8{5, 2, 1, 3}) {
			t.Error(ExpectedActual([]uint8{5, 2, 1, 3}, d))
		}
		if d := address.Master.Digits(); len(d) != 0 {
			t.Error("master should have no digits", d)
		}
	})
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    address.Address
		wantErr bool
	}{
		{"0", address.Master, false},
		{"014", 0o14, false},
		{"0o14", 0o14, false},
		{"14", 0o14, false},
		{" 04444 ", address.Default, false},
		{"", 0, true},
		{"0o", 0, true},
		{"9", 0, true},
		{"0x14", 0, true},
		{"1777777", 0, true}, // overflows 16 bits
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := address.Parse(tt.in)
			if tt.wantErr {
				if !errors.Is(err, address.ErrBadAddress) {
					t.Fatal("expected ErrBadAddress" + ExpectedActual(address.ErrBadAddress, err))
				}
				return
			} else if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Error(ExpectedActual(tt.want, got))
			}
		})
	}

	t.Run("text round trip", func(t *testing.T) {
		for _, a := range []address.Address{address.Master, 0o14, 0o26, 0o5555, address.Default} {
			b, err := a.MarshalText()
			if err != nil {
				t.Fatal(err)
			}
			var out address.Address
			if err := out.UnmarshalText(b); err != nil {
				t.Fatal(err)
			}
			if out != a {
				t.Error(ExpectedActual(a, out))
			}
		}
	})
}

func TestPipeAddresses(t *testing.T) {
	t.Run("layout", func(t *testing.T) {
		got := address.For(0o52, 3)
		want := address.PipeAddress{0xce, 0xe3, 0x33, 0xcc, 0xcc}
		if got != want {
			t.Error(ExpectedActual(want, got))
		}
		if s := got.String(); s != "cee333cccc" {
			t.Error(ExpectedActual("cee333cccc", s))
		}
	})

	t.Run("unique", func(t *testing.T) {
		seen := map[address.PipeAddress]string{}
		record := func(pa address.PipeAddress, who string) {
			if prior, found := seen[pa]; found {
				t.Fatalf("pipe address %v of %s collides with %s", pa, who, prior)
			}
			seen[pa] = who
		}
		for _, a := range []address.Address{address.Master, 0o1, 0o5, 0o52, 0o521, 0o5213, address.Default} {
			for p := uint8(1); p < address.PipeCount; p++ {
				record(address.For(a, p), fmt.Sprintf("%v/%d", a, p))
			}
		}
		record(address.For(address.Master, address.MulticastPipe), "master/0")
		for level := uint8(1); level <= address.MaxDepth; level++ {
			record(address.LevelAddress(level), fmt.Sprintf("level %d", level))
		}
	})

	t.Run("level 0 is the master", func(t *testing.T) {
		if address.LevelAddress(0) != address.For(address.Master, address.MulticastPipe) {
			t.Error("level 0 should be the master's pipe 0")
		}
	})
}
