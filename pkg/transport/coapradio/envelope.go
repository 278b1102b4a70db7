package coapradio

import (
	"errors"
	"fmt"

	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/transport"
	"google.golang.org/protobuf/encoding/protowire"
)

// envelope wraps a frame for transit between peers.
// Encoded in the protobuf wire format so non-Go peers can bridge onto the same air with a one-message .proto:
//
//	message Envelope {
//	  uint32 channel = 1;
//	  uint32 data_rate = 2;
//	  uint32 address_width = 3;
//	  uint32 crc = 4;
//	  bytes  to = 5;
//	  bytes  payload = 6;
//	  bool   multicast = 7;
//	}
type envelope struct {
	Channel      uint8
	DataRate     transport.DataRate
	AddressWidth uint8
	CRC          transport.CRCMode
	To           address.PipeAddress
	Payload      []byte
	Multicast    bool
}

const (
	fieldChannel protowire.Number = iota + 1
	fieldDataRate
	fieldAddressWidth
	fieldCRC
	fieldTo
	fieldPayload
	fieldMulticast
)

var errBadPipeAddress = errors.New("pipe address must be 5 bytes")

func (e *envelope) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldChannel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Channel))
	b = protowire.AppendTag(b, fieldDataRate, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.DataRate))
	b = protowire.AppendTag(b, fieldAddressWidth, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.AddressWidth))
	b = protowire.AppendTag(b, fieldCRC, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.CRC))
	b = protowire.AppendTag(b, fieldTo, protowire.BytesType)
	b = protowire.AppendBytes(b, e.To[:])
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	if e.Multicast {
		b = protowire.AppendTag(b, fieldMulticast, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// unmarshal clobbers e with the envelope encoded in b.
// Unknown fields are skipped.
func (e *envelope) unmarshal(b []byte) error {
	*e = envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != fieldTo && num != fieldPayload:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldChannel:
				e.Channel = uint8(v)
			case fieldDataRate:
				e.DataRate = transport.DataRate(v)
			case fieldAddressWidth:
				e.AddressWidth = uint8(v)
			case fieldCRC:
				e.CRC = transport.CRCMode(v)
			case fieldMulticast:
				e.Multicast = protowire.DecodeBool(v)
			}
		case typ == protowire.BytesType && (num == fieldTo || num == fieldPayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if num == fieldTo {
				if len(v) != len(e.To) {
					return errBadPipeAddress
				}
				copy(e.To[:], v)
			} else {
				e.Payload = append([]byte{}, v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
