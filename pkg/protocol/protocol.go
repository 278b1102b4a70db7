/*
Package protocol contains tools for interacting with the frame header and the frames that carry it on air.

Includes structs that can be composed into a fixed header; you should never have to interact with the raw bits or endian-ness of the header.
Frames are sized to the radio (see MaxFrameSize); messages larger than one frame are carried by Fragment and put back together by a Reassembler.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/protocol/mt"
	"github.com/rs/zerolog"
)

const (
	// HeaderLen is the length (in bytes) of a serialized header.
	HeaderLen = 8
	// ChecksumLen is the length (in bytes) of the checksum trailing every frame.
	ChecksumLen = 4
	// MaxFrameSize is the largest payload the radio moves in one transmission.
	MaxFrameSize = 32
	// MaxFramePayload is the number of message bytes that fit into a single frame.
	MaxFramePayload = MaxFrameSize - HeaderLen - ChecksumLen
	// MaxMessageSize is the largest message that can be fragmented and reassembled.
	MaxMessageSize = 1514
)

// A Header represents a deconstructed frame header.
// The state of Header is never guaranteed; call .Validate() to verify before using.
type Header struct {
	// Logical address of the original sender.
	FromNode address.Address
	// Logical address of the final recipient (or address.Multicast).
	ToNode address.Address
	// Sequence number assigned by the sender's network.
	// Shared by every fragment of a message.
	ID uint16
	// Type of message.
	Type mt.MessageType
	// Free for use by the type.
	// Fragments carry their sequence number here (or the real type, on the last fragment).
	// Address requests carry the requester's node id.
	Reserved uint8
}

//#region errors

var (
	ErrInvalidMessageType = errors.New("message type must not be 0")
	ErrInvalidFromNode    = errors.New("from node is not a valid address")
	ErrInvalidToNode      = errors.New("to node is not a valid address")
	ErrShortFrame         = errors.New("frame is shorter than a header and checksum")
	ErrOversizeFrame      = fmt.Errorf("frame is longer than %d bytes", MaxFrameSize)
	ErrCorruptFrame       = errors.New("frame checksum mismatch")
)

//#endregion errors

// Serialize returns the header in its 8 byte, little-endian wire format.
//
// NOTE: Does NOT imply .Validate() and thus does NOT error on invalid data.
func (hdr *Header) Serialize() []byte {
	out := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint16(out[0:], uint16(hdr.FromNode))
	binary.LittleEndian.PutUint16(out[2:], uint16(hdr.ToNode))
	binary.LittleEndian.PutUint16(out[4:], hdr.ID)
	out[6] = byte(hdr.Type)
	out[7] = hdr.Reserved
	return out
}

// Deserialize populates hdr's fields from the given reader.
// Reads exactly HeaderLen bytes and clobbers existing data.
//
// Does NOT validate fields. Does not drain rd.
//
// If an error occurs, hdr is left untouched.
func (hdr *Header) Deserialize(rd io.Reader) error {
	var buf [HeaderLen]byte
	if n, err := io.ReadFull(rd, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("short read: header requires %d bytes, got %d", HeaderLen, n)
		}
		return err
	}
	hdr.FromNode = address.Address(binary.LittleEndian.Uint16(buf[0:]))
	hdr.ToNode = address.Address(binary.LittleEndian.Uint16(buf[2:]))
	hdr.ID = binary.LittleEndian.Uint16(buf[4:])
	hdr.Type = mt.MessageType(buf[6])
	hdr.Reserved = buf[7]
	return nil
}

// Validate tests each field in header, returning a list of issues.
func (hdr *Header) Validate() (errors []error) {
	if hdr.Type == 0 {
		errors = append(errors, ErrInvalidMessageType)
	}
	if !address.IsValid(hdr.FromNode) {
		errors = append(errors, ErrInvalidFromNode)
	}
	if !address.IsValid(hdr.ToNode) {
		errors = append(errors, ErrInvalidToNode)
	}
	return errors
}

// Zerolog attaches header's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (hdr *Header) Zerolog(ev *zerolog.Event) {
	ev.Str("from", hdr.FromNode.String()).
		Str("to", hdr.ToNode.String()).
		Uint16("id", hdr.ID).
		Str("type", hdr.Type.String()).
		Uint8("reserved", hdr.Reserved)
}

func (hdr Header) String() string {
	return fmt.Sprintf("id: %d, src/dst: %v/%v, type: %d, reserved: %d",
		hdr.ID, hdr.FromNode, hdr.ToNode, hdr.Type, hdr.Reserved)
}

// A Frame is a header and the message it fronts.
// Frames received by the network may carry a reassembled message larger than a single on-air frame.
type Frame struct {
	Header  Header
	Message []byte
}

// Marshal returns the on-air form of f: header | message | CRC-32 (IEEE) of the preceding bytes.
// Fails if the message does not fit into a single frame.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Message) > MaxFramePayload {
		return nil, fmt.Errorf("message of %d bytes exceeds single frame capacity (%d bytes)", len(f.Message), MaxFramePayload)
	}
	out := make([]byte, 0, HeaderLen+len(f.Message)+ChecksumLen)
	out = append(out, f.Header.Serialize()...)
	out = append(out, f.Message...)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(out)), nil
}

// Unmarshal parses the on-air form of a frame, verifying its checksum.
// The returned message does not alias b.
func Unmarshal(b []byte) (Frame, error) {
	if len(b) < HeaderLen+ChecksumLen {
		return Frame{}, ErrShortFrame
	} else if len(b) > MaxFrameSize {
		return Frame{}, ErrOversizeFrame
	}
	body, sum := b[:len(b)-ChecksumLen], binary.LittleEndian.Uint32(b[len(b)-ChecksumLen:])
	if crc32.ChecksumIEEE(body) != sum {
		return Frame{}, ErrCorruptFrame
	}
	var f Frame
	hdr, err := Deserialize(body)
	if err != nil {
		return Frame{}, err
	}
	f.Header = *hdr
	f.Message = append([]byte{}, body[HeaderLen:]...)
	return f, nil
}

// Serialize returns a header composed from the given fields in its wire format.
// Does not validate the given data.
func Serialize(from, to address.Address, id uint16, typ mt.MessageType, reserved uint8) []byte {
	return (&Header{FromNode: from, ToNode: to, ID: id, Type: typ, Reserved: reserved}).Serialize()
}

// Deserialize returns a header built from the first HeaderLen bytes of b.
// Does NOT validate fields.
func Deserialize(b []byte) (*Header, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("short read: header requires %d bytes, got %d", HeaderLen, len(b))
	}
	hdr := &Header{
		FromNode: address.Address(binary.LittleEndian.Uint16(b[0:])),
		ToNode:   address.Address(binary.LittleEndian.Uint16(b[2:])),
		ID:       binary.LittleEndian.Uint16(b[4:]),
		Type:     mt.MessageType(b[6]),
		Reserved: b[7],
	}
	return hdr, nil
}
