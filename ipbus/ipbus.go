// Package ipbus implements the IPbus 2.0 wire format: packet and
// transaction headers, control packet construction, reply parsing and the
// status/resend packets used for packet loss recovery.
//
// The package is a pure codec. It performs no IO; the transport state
// machine lives in package uhal.
package ipbus

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Version is the IPbus protocol version implemented by this package.
const Version = uint8(2)

// DefaultMTU is the assumed maximum IPbus packet size in bytes before the
// device has reported its own limit through a status exchange.
const DefaultMTU = uint32(1500 - 28) // Ethernet MTU minus IP and UDP headers

// PacketType distinguishes the three IPbus 2.0 packet classes.
type PacketType uint8

const (
	Control PacketType = 0x0
	Status  PacketType = 0x1
	Resend  PacketType = 0x2
)

func (p PacketType) String() string {
	switch p {
	case Control:
		return "control"
	case Status:
		return "status"
	case Resend:
		return "resend"
	}
	return fmt.Sprintf("packettype(0x%x)", uint8(p))
}

// InfoCode is the per-transaction status field of a reply header.
// Success is zero; anything else is a device-side diagnostic.
type InfoCode uint8

const (
	Success         InfoCode = 0x0
	BadHeader       InfoCode = 0x1
	BusReadError    InfoCode = 0x4
	BusWriteError   InfoCode = 0x5
	BusReadTimeout  InfoCode = 0x6
	BusWriteTimeout InfoCode = 0x7
	Request         InfoCode = 0xf
)

var infocodes = map[InfoCode]string{
	Success:         "success",
	BadHeader:       "bad header",
	BusReadError:    "bus read error",
	BusWriteError:   "bus write error",
	BusReadTimeout:  "bus read timeout",
	BusWriteTimeout: "bus write timeout",
	Request:         "request",
}

func (c InfoCode) String() string {
	if s, ok := infocodes[c]; ok {
		return s
	}
	return fmt.Sprintf("infocode(0x%x)", uint8(c))
}

// TypeID identifies the kind of a transaction.
type TypeID uint8

const (
	TypeRead        TypeID = 0x0
	TypeWrite       TypeID = 0x1
	TypeReadNonInc  TypeID = 0x2
	TypeWriteNonInc TypeID = 0x3
	TypeRMWBits     TypeID = 0x4
	TypeRMWSum      TypeID = 0x5
	TypeConfigRead  TypeID = 0x6
	TypeConfigWrite TypeID = 0x7
)

func (t TypeID) String() string {
	switch t {
	case TypeRead:
		return "read"
	case TypeWrite:
		return "write"
	case TypeReadNonInc:
		return "readnoninc"
	case TypeWriteNonInc:
		return "writenoninc"
	case TypeRMWBits:
		return "rmwbits"
	case TypeRMWSum:
		return "rmwsum"
	case TypeConfigRead:
		return "configread"
	case TypeConfigWrite:
		return "configwrite"
	}
	return fmt.Sprintf("typeid(0x%x)", uint8(t))
}

// ErrValidation reports a reply which does not parse as a well formed
// IPbus 2.0 packet: wrong version, truncated data or a malformed header.
var ErrValidation = errors.New("ipbus: reply failed validation")

// ErrReply reports a transaction the device answered with a non-success
// InfoCode. Use errors.As with *ReplyError to recover the code.
var ErrReply = errors.New("ipbus: device reported transaction error")

// ReplyError carries the InfoCode of a failed transaction.
type ReplyError struct {
	Code InfoCode
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("ipbus: device reported %v (0x%x)", e.Code, uint8(e.Code))
}

func (e *ReplyError) Unwrap() error { return ErrReply }

// PacketHeader is the leading 32-bit word of every IPbus 2.0 packet.
type PacketHeader struct {
	Version uint8
	ID      uint16
	Type    PacketType
	Order   binary.ByteOrder
}

const boq = uint8(0xf0) // byte order qualifier

// Word returns the header as a 32-bit value in its logical layout:
// version in the top nibble, packet id in bits 23..8, the byte order
// qualifier and packet type in the low byte.
func (h PacketHeader) Word() uint32 {
	return uint32(h.Version)<<28 | uint32(h.ID)<<8 | uint32(boq) | uint32(h.Type)
}

// Encode writes the header into the first four bytes of dst.
func (h PacketHeader) Encode(dst []byte) error {
	if len(dst) < 4 {
		return errors.Wrap(ErrValidation, "need four bytes for packet header")
	}
	order := h.Order
	if order == nil {
		order = binary.LittleEndian
	}
	order.PutUint32(dst, h.Word())
	return nil
}

// DecodePacketHeader reads the leading packet header, determining the byte
// order from the qualifier nibble. Little-endian is canonical but
// big-endian devices are accepted.
func DecodePacketHeader(data []byte) (PacketHeader, error) {
	h := PacketHeader{}
	if len(data) < 4 {
		return h, errors.Wrapf(ErrValidation, "packet of %d bytes has no header", len(data))
	}
	v := Version << 4
	switch {
	case data[3] == v && data[0]&boq == boq:
		h.Order = binary.LittleEndian
	case data[0] == v && data[3]&boq == boq:
		h.Order = binary.BigEndian
	default:
		return h, errors.Wrapf(ErrValidation, "bad packet header 0x%x", data[0:4])
	}
	word := h.Order.Uint32(data)
	h.Version = uint8(word >> 28)
	h.ID = uint16(word >> 8)
	h.Type = PacketType(word & 0x0f)
	return h, nil
}

// TransactionHeader is the leading word of each transaction in a control
// packet: version (4 bits), transaction id (12), word count (8), type (4)
// and InfoCode (4).
type TransactionHeader struct {
	Version uint8
	ID      uint16
	Words   uint8
	Type    TypeID
	Code    InfoCode
}

// Word returns the header in its logical 32-bit layout.
func (h TransactionHeader) Word() uint32 {
	return uint32(h.Version)<<28 | uint32(h.ID&0x0fff)<<16 |
		uint32(h.Words)<<8 | uint32(h.Type)<<4 | uint32(h.Code)
}

// Encode writes the header into the first four bytes of dst.
func (h TransactionHeader) Encode(dst []byte, order binary.ByteOrder) error {
	if len(dst) < 4 {
		return errors.Wrap(ErrValidation, "need four bytes for transaction header")
	}
	order.PutUint32(dst, h.Word())
	return nil
}

// DecodeTransactionHeader reads one transaction header in the given byte
// order (already known from the packet header).
func DecodeTransactionHeader(data []byte, order binary.ByteOrder) (TransactionHeader, error) {
	h := TransactionHeader{}
	if len(data) < 4 {
		return h, errors.Wrapf(ErrValidation, "transaction header truncated at %d bytes", len(data))
	}
	word := order.Uint32(data)
	h.Version = uint8(word >> 28)
	h.ID = uint16(word>>16) & 0x0fff
	h.Words = uint8(word >> 8)
	h.Type = TypeID(word>>4) & 0x0f
	h.Code = InfoCode(word & 0x0f)
	if h.Version != Version {
		return h, errors.Wrapf(ErrValidation, "transaction header version %d, want %d", h.Version, Version)
	}
	return h, nil
}

func wordsToBytes(ws []uint32, order binary.ByteOrder) []byte {
	bs := make([]byte, 4*len(ws))
	for i, w := range ws {
		order.PutUint32(bs[4*i:], w)
	}
	return bs
}

func bytesToWords(bs []byte, order binary.ByteOrder) []uint32 {
	n := len(bs) / 4
	ws := make([]uint32, n)
	for i := 0; i < n; i++ {
		ws[i] = order.Uint32(bs[4*i:])
	}
	return ws
}
