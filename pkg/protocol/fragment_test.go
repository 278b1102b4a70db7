package protocol_test

import (
	"bytes"
	"errors"
	"strconv"
	"testing"

	"github.com/Pallinder/go-randomdata"
	. "github.com/rflandau/rfmesh/internal/testsupport"
	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/rflandau/rfmesh/pkg/protocol/mt"
)

// randomMessage returns n bytes of random text.
func randomMessage(n int) []byte {
	var b []byte
	for len(b) < n {
		b = append(b, randomdata.Paragraph()...)
	}
	return b[:n]
}

func TestFragment(t *testing.T) {
	hdr := protocol.Header{FromNode: 0o3, ToNode: 0o41, ID: 77, Type: 72}

	t.Run("single frame is untouched", func(t *testing.T) {
		msg := randomMessage(protocol.MaxFramePayload)
		frames, err := protocol.Fragment(hdr, msg)
		if err != nil {
			t.Fatal(err)
		}
		if len(frames) != 1 || frames[0].Header != hdr || !bytes.Equal(frames[0].Message, msg) {
			t.Fatal("expected a single, unaltered frame", frames)
		}
	})

	t.Run("layout", func(t *testing.T) {
		msg := randomMessage(3*protocol.MaxFramePayload + 1) // 4 fragments
		frames, err := protocol.Fragment(hdr, msg)
		if err != nil {
			t.Fatal(err)
		}
		want := []struct {
			typ      mt.MessageType
			reserved uint8
			length   int
		}{
			{mt.FirstFragment, 4, protocol.MaxFramePayload},
			{mt.MoreFragments, 3, protocol.MaxFramePayload},
			{mt.MoreFragments, 2, protocol.MaxFramePayload},
			{mt.LastFragment, uint8(hdr.Type), 1},
		}
		if len(frames) != len(want) {
			t.Fatal("bad fragment count" + ExpectedActual(len(want), len(frames)))
		}
		for i, w := range want {
			f := frames[i]
			if f.Header.Type != w.typ || f.Header.Reserved != w.reserved || len(f.Message) != w.length {
				t.Errorf("fragment %d: type %v reserved %d length %d%v", i, f.Header.Type, f.Header.Reserved, len(f.Message), ExpectedActual[any](w, f))
			}
			if f.Header.ID != hdr.ID || f.Header.FromNode != hdr.FromNode || f.Header.ToNode != hdr.ToNode {
				t.Errorf("fragment %d does not share the original addressing: %v", i, f.Header)
			}
			if _, err := f.Marshal(); err != nil {
				t.Errorf("fragment %d does not fit into a frame: %v", i, err)
			}
		}
	})

	t.Run("too large", func(t *testing.T) {
		if _, err := protocol.Fragment(hdr, make([]byte, protocol.MaxMessageSize+1)); !errors.Is(err, protocol.ErrMessageTooLarge) {
			t.Fatal(ExpectedActual(protocol.ErrMessageTooLarge, err))
		}
	})
}

func TestReassembler(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		for _, size := range []int{protocol.MaxFramePayload + 1, 2 * protocol.MaxFramePayload, 100, 777, protocol.MaxMessageSize} {
			t.Run(strconv.Itoa(size), func(t *testing.T) {
				hdr := protocol.Header{FromNode: 0o52, ToNode: 0o521, ID: uint16(randomdata.Number(0, 65535)), Type: mt.MessageType(randomdata.Number(1, 128))}
				msg := randomMessage(size)
				frames, err := protocol.Fragment(hdr, msg)
				if err != nil {
					t.Fatal(err)
				}
				var r protocol.Reassembler
				for i, f := range frames {
					out, done, err := r.Add(f)
					if err != nil {
						t.Fatalf("fragment %d: %v", i, err)
					}
					if done != (i == len(frames)-1) {
						t.Fatalf("fragment %d: done = %v", i, done)
					}
					if done {
						if out.Header != hdr {
							t.Error("bad header" + ExpectedActual(hdr, out.Header))
						}
						if !bytes.Equal(out.Message, msg) {
							t.Error("bad message" + ExpectedActual(string(msg), string(out.Message)))
						}
					}
				}
				if r.Pending() != 0 {
					t.Error("sequence left pending after completion")
				}
			})
		}
	})

	t.Run("interleaved senders", func(t *testing.T) {
		a := protocol.Header{FromNode: 0o1, ToNode: 0o2, ID: 1, Type: 9}
		b := protocol.Header{FromNode: 0o3, ToNode: 0o2, ID: 1, Type: 10}
		msgA, msgB := randomMessage(90), randomMessage(45)
		fa, _ := protocol.Fragment(a, msgA)
		fb, _ := protocol.Fragment(b, msgB)

		var r protocol.Reassembler
		var got = map[address.Address][]byte{}
		for i := range max(len(fa), len(fb)) {
			for _, frames := range [][]protocol.Frame{fa, fb} {
				if i >= len(frames) {
					continue
				}
				out, done, err := r.Add(frames[i])
				if err != nil {
					t.Fatal(err)
				}
				if done {
					got[out.Header.FromNode] = out.Message
				}
			}
		}
		if !bytes.Equal(got[a.FromNode], msgA) || !bytes.Equal(got[b.FromNode], msgB) {
			t.Error("interleaved sequences were not both reassembled")
		}
	})

	t.Run("new first fragment overwrites", func(t *testing.T) {
		hdr := protocol.Header{FromNode: 0o1, ToNode: 0o2, ID: 1, Type: 9}
		old, _ := protocol.Fragment(hdr, randomMessage(60))
		hdr.ID = 2
		msg := randomMessage(50)
		fresh, _ := protocol.Fragment(hdr, msg)

		var r protocol.Reassembler
		if _, _, err := r.Add(old[0]); err != nil {
			t.Fatal(err)
		}
		if _, _, err := r.Add(old[1]); err != nil {
			t.Fatal(err)
		}
		var (
			out  protocol.Frame
			done bool
			err  error
		)
		for _, f := range fresh {
			if out, done, err = r.Add(f); err != nil {
				t.Fatal(err)
			}
		}
		if !done || !bytes.Equal(out.Message, msg) {
			t.Fatal("the newer sequence was not reassembled")
		}
		// the rest of the abandoned sequence is now an orphan
		if _, _, err := r.Add(old[2]); !errors.Is(err, protocol.ErrOrphanFragment) {
			t.Error(ExpectedActual(protocol.ErrOrphanFragment, err))
		}
	})

	t.Run("out of order drops the sequence", func(t *testing.T) {
		hdr := protocol.Header{FromNode: 0o1, ToNode: 0o2, ID: 1, Type: 9}
		frames, _ := protocol.Fragment(hdr, randomMessage(80)) // 4 fragments
		var r protocol.Reassembler
		r.Add(frames[0])
		if _, _, err := r.Add(frames[2]); !errors.Is(err, protocol.ErrFragmentOutOfOrder) {
			t.Fatal(ExpectedActual(protocol.ErrFragmentOutOfOrder, err))
		}
		if r.Pending() != 0 {
			t.Fatal("sequence was not dropped")
		}
		if _, _, err := r.Add(frames[3]); !errors.Is(err, protocol.ErrOrphanFragment) {
			t.Error(ExpectedActual(protocol.ErrOrphanFragment, err))
		}
	})

	t.Run("last fragment too early", func(t *testing.T) {
		hdr := protocol.Header{FromNode: 0o1, ToNode: 0o2, ID: 1, Type: 9}
		frames, _ := protocol.Fragment(hdr, randomMessage(61)) // 4 fragments
		var r protocol.Reassembler
		r.Add(frames[0])
		if _, _, err := r.Add(frames[len(frames)-1]); !errors.Is(err, protocol.ErrFragmentOutOfOrder) {
			t.Fatal(ExpectedActual(protocol.ErrFragmentOutOfOrder, err))
		}
	})

	t.Run("bad first fragment", func(t *testing.T) {
		var r protocol.Reassembler
		f := protocol.Frame{Header: protocol.Header{FromNode: 0o1, Type: mt.FirstFragment, Reserved: 1}}
		if _, _, err := r.Add(f); !errors.Is(err, protocol.ErrBadFragmentCount) {
			t.Fatal(ExpectedActual(protocol.ErrBadFragmentCount, err))
		}
		if _, _, err := r.Add(protocol.Frame{Header: protocol.Header{Type: 5}}); err == nil {
			t.Fatal("expected an error adding a non-fragment")
		}
	})

	t.Run("evicts oldest sender", func(t *testing.T) {
		r := protocol.Reassembler{MaxSenders: 2}
		first := func(from address.Address) protocol.Frame {
			return protocol.Frame{Header: protocol.Header{FromNode: from, ID: 1, Type: mt.FirstFragment, Reserved: 2}}
		}
		last := func(from address.Address) protocol.Frame {
			return protocol.Frame{Header: protocol.Header{FromNode: from, ID: 1, Type: mt.LastFragment, Reserved: 5}, Message: []byte("x")}
		}
		for _, from := range []address.Address{0o1, 0o2, 0o3} {
			if _, _, err := r.Add(first(from)); err != nil {
				t.Fatal(err)
			}
		}
		if r.Pending() != 2 {
			t.Fatal(ExpectedActual(2, r.Pending()))
		}
		if _, _, err := r.Add(last(0o1)); !errors.Is(err, protocol.ErrOrphanFragment) {
			t.Error("oldest sequence should have been evicted" + ExpectedActual(protocol.ErrOrphanFragment, err))
		}
		for _, from := range []address.Address{0o2, 0o3} {
			if _, done, err := r.Add(last(from)); err != nil || !done {
				t.Errorf("sequence from %v: done=%v err=%v", from, done, err)
			}
		}
	})
}
