package protocol

import (
	"errors"
	"fmt"

	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/protocol/mt"
)

var (
	ErrMessageTooLarge    = fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
	ErrOrphanFragment     = errors.New("fragment does not belong to a sequence in progress")
	ErrFragmentOutOfOrder = errors.New("fragment arrived out of order; sequence dropped")
	ErrBadFragmentCount   = errors.New("first fragment must announce at least two fragments")
)

// Fragment splits msg into the frames that carry it on air.
// Messages that fit into a single frame are returned unaltered as one frame.
//
// Larger messages become a FIRST_FRAGMENT (reserved = fragment count), zero or more MORE_FRAGMENTS (reserved = fragments remaining) and a LAST_FRAGMENT (reserved = hdr.Type).
// All fragments share hdr's addresses and ID.
func Fragment(hdr Header, msg []byte) ([]Frame, error) {
	if len(msg) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if len(msg) <= MaxFramePayload {
		return []Frame{{Header: hdr, Message: msg}}, nil
	}

	count := (len(msg) + MaxFramePayload - 1) / MaxFramePayload
	frames := make([]Frame, count)
	for i := range count {
		h := hdr
		switch remaining := count - i; {
		case remaining == 1:
			h.Type, h.Reserved = mt.LastFragment, uint8(hdr.Type)
		case i == 0:
			h.Type, h.Reserved = mt.FirstFragment, uint8(count)
		default:
			h.Type, h.Reserved = mt.MoreFragments, uint8(remaining)
		}
		end := min((i+1)*MaxFramePayload, len(msg))
		frames[i] = Frame{Header: h, Message: msg[i*MaxFramePayload : end]}
	}
	return frames, nil
}

// DefaultMaxSenders is the number of senders a zero-value Reassembler tracks at once.
const DefaultMaxSenders = 8

// A Reassembler collects fragments and returns the original message once its last fragment arrives.
// It tracks at most one sequence per sender; a new FIRST_FRAGMENT from a sender abandons whatever that sender had in progress.
// When MaxSenders sequences are in progress, the oldest is evicted to make room.
//
// The zero value is ready for use. Not safe for concurrent use.
type Reassembler struct {
	// Maximum number of concurrent sequences.
	// Defaults to DefaultMaxSenders if unset.
	MaxSenders int

	partials map[address.Address]*partial
	seq      uint64 // increments with each new sequence, used to find the oldest
}

type partial struct {
	hdr   Header // header of the first fragment
	next  uint8  // reserved value expected on the next fragment
	buf   []byte
	begun uint64
}

// Add ingests one fragment.
// When f completes a message, the reassembled frame is returned with done set.
// The reassembled header carries the original type and a zero reserved byte.
//
// Errors indicate f (and possibly the rest of its sequence) was dropped.
func (r *Reassembler) Add(f Frame) (out Frame, done bool, err error) {
	if r.partials == nil {
		r.partials = make(map[address.Address]*partial)
	}
	from := f.Header.FromNode

	switch f.Header.Type {
	case mt.FirstFragment:
		if f.Header.Reserved < 2 {
			return out, false, ErrBadFragmentCount
		}
		if _, found := r.partials[from]; !found {
			r.makeRoom()
		}
		r.seq++
		r.partials[from] = &partial{
			hdr:   f.Header,
			next:  f.Header.Reserved - 1,
			buf:   append(make([]byte, 0, int(f.Header.Reserved)*MaxFramePayload), f.Message...),
			begun: r.seq,
		}
		return out, false, nil
	case mt.MoreFragments, mt.LastFragment:
		p, found := r.partials[from]
		if !found || p.hdr.ID != f.Header.ID {
			return out, false, ErrOrphanFragment
		}
		last := f.Header.Type == mt.LastFragment
		if (last && p.next != 1) || (!last && (p.next < 2 || f.Header.Reserved != p.next)) {
			delete(r.partials, from)
			return out, false, ErrFragmentOutOfOrder
		}
		if len(p.buf)+len(f.Message) > MaxMessageSize {
			delete(r.partials, from)
			return out, false, ErrMessageTooLarge
		}
		p.buf = append(p.buf, f.Message...)
		p.next--
		if !last {
			return out, false, nil
		}
		delete(r.partials, from)
		hdr := p.hdr
		hdr.Type, hdr.Reserved = mt.MessageType(f.Header.Reserved), 0
		return Frame{Header: hdr, Message: p.buf}, true, nil
	default:
		return Frame{}, false, fmt.Errorf("%v is not a fragment type", f.Header.Type)
	}
}

// Pending returns the number of sequences in progress.
func (r *Reassembler) Pending() int {
	return len(r.partials)
}

// evicts the oldest sequence if the reassembler is at capacity
func (r *Reassembler) makeRoom() {
	limit := r.MaxSenders
	if limit <= 0 {
		limit = DefaultMaxSenders
	}
	if len(r.partials) < limit {
		return
	}
	var (
		oldest   address.Address
		oldestAt uint64
		first    = true
	)
	for from, p := range r.partials {
		if first || p.begun < oldestAt {
			oldest, oldestAt, first = from, p.begun, false
		}
	}
	delete(r.partials, oldest)
}
