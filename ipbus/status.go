package ipbus

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// A status packet is sixteen 32-bit words: the packet header, the device's
// MTU and reply buffer count, the header it expects on the next control
// packet, four words of traffic history and the headers of the last four
// received and last four sent control packets. Status requests carry the
// same shape with every word after the header zeroed, and always use
// packet id zero.
const statusWords = 16

// StatusInfo is the decoded body of a status reply.
type StatusInfo struct {
	MTU     uint32 // largest IPbus packet the device accepts, in bytes
	Buffers uint32 // number of reply buffers, bounds the in-flight window
	NextID  uint16 // packet id the device expects next

	// Headers of recently handled control packets, newest last. Used
	// during loss recovery to decide between resend and retransmission.
	ReceivedHeaders []PacketHeader
	OutgoingHeaders []PacketHeader
}

// Received reports whether the device has seen a control packet with the
// given id recently. Only the last four received packets are visible.
func (s StatusInfo) Received(id uint16) bool {
	for _, h := range s.ReceivedHeaders {
		if h.ID == id {
			return true
		}
	}
	return false
}

// StatusRequest returns the wire form of a status request.
func StatusRequest() []byte {
	data := make([]byte, 4*statusWords)
	head := PacketHeader{Version: Version, ID: 0, Type: Status, Order: binary.LittleEndian}
	head.Encode(data)
	return data
}

// EncodeStatus returns the wire form of a status reply.
func EncodeStatus(info StatusInfo) []byte {
	order := binary.LittleEndian
	data := make([]byte, 4*statusWords)
	head := PacketHeader{Version: Version, ID: 0, Type: Status, Order: order}
	head.Encode(data)
	order.PutUint32(data[4:], info.MTU)
	order.PutUint32(data[8:], info.Buffers)
	next := PacketHeader{Version: Version, ID: info.NextID, Type: Control, Order: order}
	order.PutUint32(data[12:], next.Word())
	// Words 4..7 are traffic history, not modelled here.
	for i, h := range info.ReceivedHeaders {
		if i >= 4 {
			break
		}
		order.PutUint32(data[4*(8+i):], h.Word())
	}
	for i, h := range info.OutgoingHeaders {
		if i >= 4 {
			break
		}
		order.PutUint32(data[4*(12+i):], h.Word())
	}
	return data
}

// ParseStatus decodes a status reply.
func ParseStatus(data []byte) (StatusInfo, error) {
	info := StatusInfo{}
	ph, err := DecodePacketHeader(data)
	if err != nil {
		return info, err
	}
	if ph.Type != Status {
		return info, errors.Wrapf(ErrValidation, "expected status packet, got %v", ph.Type)
	}
	if len(data) < 4*statusWords {
		return info, errors.Wrapf(ErrValidation, "status packet of %d bytes, want %d", len(data), 4*statusWords)
	}
	order := ph.Order
	info.MTU = order.Uint32(data[4:])
	info.Buffers = order.Uint32(data[8:])
	nextword := order.Uint32(data[12:])
	info.NextID = uint16(nextword >> 8)
	for i := 0; i < 4; i++ {
		if w := order.Uint32(data[4*(8+i):]); w != 0 {
			info.ReceivedHeaders = append(info.ReceivedHeaders, headerFromWord(w, order))
		}
		if w := order.Uint32(data[4*(12+i):]); w != 0 {
			info.OutgoingHeaders = append(info.OutgoingHeaders, headerFromWord(w, order))
		}
	}
	return info, nil
}

func headerFromWord(w uint32, order binary.ByteOrder) PacketHeader {
	return PacketHeader{
		Version: uint8(w >> 28),
		ID:      uint16(w >> 8),
		Type:    PacketType(w & 0x0f),
		Order:   order,
	}
}

// ResendRequest returns the wire form of a resend request for the control
// packet with the given id.
func ResendRequest(id uint16) []byte {
	data := make([]byte, 4)
	head := PacketHeader{Version: Version, ID: id, Type: Resend, Order: binary.LittleEndian}
	head.Encode(data)
	return data
}
