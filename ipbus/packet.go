package ipbus

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxTransactionWords is the largest word count a single transaction can
// carry; its header stores the count in eight bits.
const MaxTransactionWords = 255

// Packet accumulates request transactions for one outbound control packet,
// accounting for the space the requests and their replies will occupy so
// that neither direction overruns the negotiated MTU.
type Packet struct {
	order           binary.ByteOrder
	reqCap, respCap uint
	reqLen, respLen uint
	ntrans          int
	buf             []byte
}

// NewPacket returns an empty control packet sized for the given MTU in
// bytes. The four leading bytes are reserved for the packet header, which
// is written by Bytes once the packet id is assigned.
func NewPacket(mtu uint32) *Packet {
	words := uint(mtu / 4)
	if words < 2 {
		words = 2
	}
	return &Packet{
		order:   binary.LittleEndian,
		reqCap:  words - 1, // packet header excluded
		respCap: words - 1,
		buf:     make([]byte, 4, mtu),
	}
}

// Space reports the remaining request and reply capacity in words.
func (p *Packet) Space() (req, resp uint) {
	return p.reqCap - p.reqLen, p.respCap - p.respLen
}

// Transactions reports how many transactions the packet carries.
func (p *Packet) Transactions() int { return p.ntrans }

// Empty reports whether no transaction has been added yet.
func (p *Packet) Empty() bool { return p.ntrans == 0 }

// requestWords returns the request/reply footprint in words of a
// transaction of the given type carrying nwords of bus data.
func footprint(t TypeID, nwords uint8) (req, resp uint) {
	switch t {
	case TypeRead, TypeReadNonInc, TypeConfigRead:
		return 2, 1 + uint(nwords) // header+addr out; header+data back
	case TypeWrite, TypeWriteNonInc, TypeConfigWrite:
		return 2 + uint(nwords), 1
	case TypeRMWBits:
		return 4, 2 // header, addr, AND, OR; header + old value
	case TypeRMWSum:
		return 3, 2 // header, addr, addend; header + old value
	}
	return 0, 0
}

// Fits reports whether a transaction of the given type and word count can
// still be added to the packet.
func (p *Packet) Fits(t TypeID, nwords uint8) bool {
	req, resp := footprint(t, nwords)
	reqspace, respspace := p.Space()
	return req <= reqspace && resp <= respspace
}

// Add appends a request transaction. The transaction id is its position in
// the packet, which is also how replies are matched back to requests. The
// input holds the data words for writes, the AND and OR terms for RMWBits
// or the addend for RMWSum; it must be empty for reads.
func (p *Packet) Add(t TypeID, addr uint32, nwords uint8, input []uint32) error {
	switch t {
	case TypeRead, TypeReadNonInc, TypeConfigRead:
		if len(input) != 0 {
			return errors.Errorf("ipbus: %v transaction with %d words of input", t, len(input))
		}
	case TypeWrite, TypeWriteNonInc, TypeConfigWrite:
		if len(input) != int(nwords) {
			return errors.Errorf("ipbus: %v transaction of %d words with %d words of input", t, nwords, len(input))
		}
	case TypeRMWBits:
		if len(input) != 2 {
			return errors.Errorf("ipbus: rmwbits transaction needs AND and OR terms, got %d words", len(input))
		}
	case TypeRMWSum:
		if len(input) != 1 {
			return errors.Errorf("ipbus: rmwsum transaction needs one addend, got %d words", len(input))
		}
	default:
		return errors.Errorf("ipbus: unknown transaction type 0x%x", uint8(t))
	}
	if !p.Fits(t, nwords) {
		return errors.Errorf("ipbus: no space for %d word %v transaction", nwords, t)
	}
	req, resp := footprint(t, nwords)
	p.reqLen += req
	p.respLen += resp

	head := TransactionHeader{
		Version: Version,
		ID:      uint16(p.ntrans),
		Words:   nwords,
		Type:    t,
		Code:    Request,
	}
	var scratch [4]byte
	head.Encode(scratch[:], p.order)
	p.buf = append(p.buf, scratch[:]...)
	p.order.PutUint32(scratch[:], addr)
	p.buf = append(p.buf, scratch[:]...)
	p.buf = append(p.buf, wordsToBytes(input, p.order)...)
	p.ntrans++
	return nil
}

// Bytes finalises the packet with the given packet id and returns the wire
// representation. It may be called repeatedly, e.g. for retransmission.
func (p *Packet) Bytes(id uint16) []byte {
	head := PacketHeader{Version: Version, ID: id, Type: Control, Order: p.order}
	head.Encode(p.buf)
	return p.buf
}

// Reply is one decoded reply transaction from a control packet.
type Reply struct {
	Header TransactionHeader
	Data   []uint32
}

// Err returns nil for a successful reply and a *ReplyError otherwise.
func (r Reply) Err() error {
	if r.Header.Code == Success {
		return nil
	}
	return &ReplyError{Code: r.Header.Code}
}

// ParseReplies decodes a control reply packet into its packet header and
// the sequence of reply transactions. Replies appear in request order; the
// caller matches them to its queued requests by position. A device-side
// transaction error terminates the device's processing of the packet, so
// the returned slice may be shorter than the request count.
func ParseReplies(data []byte) (PacketHeader, []Reply, error) {
	ph, err := DecodePacketHeader(data)
	if err != nil {
		return ph, nil, err
	}
	if ph.Type != Control {
		return ph, nil, errors.Wrapf(ErrValidation, "expected control packet, got %v", ph.Type)
	}
	var replies []Reply
	rest := data[4:]
	for len(rest) > 0 {
		th, err := DecodeTransactionHeader(rest, ph.Order)
		if err != nil {
			return ph, replies, err
		}
		rest = rest[4:]
		ndata := 0
		if th.Code == Success {
			switch th.Type {
			case TypeRead, TypeReadNonInc, TypeConfigRead:
				ndata = int(th.Words)
			case TypeRMWBits, TypeRMWSum:
				ndata = 1
			}
		}
		if len(rest) < 4*ndata {
			return ph, replies, errors.Wrapf(ErrValidation,
				"%v reply advertises %d words but only %d bytes remain", th.Type, ndata, len(rest))
		}
		replies = append(replies, Reply{Header: th, Data: bytesToWords(rest[:4*ndata], ph.Order)})
		rest = rest[4*ndata:]
	}
	return ph, replies, nil
}
