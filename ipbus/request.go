package ipbus

import (
	"github.com/pkg/errors"
)

// RequestTxn is one decoded request transaction from an inbound control
// packet, as seen by a device.
type RequestTxn struct {
	Header TransactionHeader
	Addr   uint32
	Input  []uint32
}

// ParseRequests decodes a control request packet into its transactions.
// This is the device-side counterpart of ParseReplies; the library itself
// only consumes it through the dummy hardware.
func ParseRequests(data []byte) (PacketHeader, []RequestTxn, error) {
	ph, err := DecodePacketHeader(data)
	if err != nil {
		return ph, nil, err
	}
	if ph.Type != Control {
		return ph, nil, errors.Wrapf(ErrValidation, "expected control packet, got %v", ph.Type)
	}
	var reqs []RequestTxn
	rest := data[4:]
	for len(rest) > 0 {
		th, err := DecodeTransactionHeader(rest, ph.Order)
		if err != nil {
			return ph, reqs, err
		}
		rest = rest[4:]
		if th.Code != Request {
			return ph, reqs, errors.Wrapf(ErrValidation, "transaction %d is not a request (infocode %v)", th.ID, th.Code)
		}
		ninput := 0
		switch th.Type {
		case TypeRead, TypeReadNonInc, TypeConfigRead:
			ninput = 0
		case TypeWrite, TypeWriteNonInc, TypeConfigWrite:
			ninput = int(th.Words)
		case TypeRMWBits:
			ninput = 2
		case TypeRMWSum:
			ninput = 1
		default:
			return ph, reqs, errors.Wrapf(ErrValidation, "unknown transaction type 0x%x", uint8(th.Type))
		}
		if len(rest) < 4*(1+ninput) {
			return ph, reqs, errors.Wrapf(ErrValidation,
				"%v request needs %d payload words but only %d bytes remain", th.Type, 1+ninput, len(rest))
		}
		addr := ph.Order.Uint32(rest)
		rest = rest[4:]
		reqs = append(reqs, RequestTxn{Header: th, Addr: addr, Input: bytesToWords(rest[:4*ninput], ph.Order)})
		rest = rest[4*ninput:]
	}
	return ph, reqs, nil
}
