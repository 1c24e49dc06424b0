package uhal

import (
	"time"

	"github.com/pkg/errors"

	"github.com/go-daq/uhal/ipbus"
	"github.com/go-daq/uhal/uri"
)

// DefaultTimeout bounds one packet round trip within a dispatch.
const DefaultTimeout = 1 * time.Second

// DefaultMaxRetries is how many consecutive unanswered status probes a
// client tolerates before declaring the transport dead.
const DefaultMaxRetries = 3

// ClientInterface queues typed requests against one device and flushes
// them on Dispatch. Queueing never performs IO and surfaces argument
// errors immediately; transport and protocol errors surface only from
// Dispatch. A client is not safe for concurrent use; run independent
// clients in independent goroutines instead.
type ClientInterface interface {
	// ID returns the connection's logical name.
	ID() string
	// URI returns the connection string the client was built from.
	URI() string

	// Read queues a single word read.
	Read(addr uint32) ValWord
	// ReadBlock queues a read of n words, at auto-incrementing addresses
	// or at the fixed address for port-like targets.
	ReadBlock(addr uint32, n uint32, incremental bool) ValVector
	// Write queues a single word write. The returned word acknowledges
	// completion.
	Write(addr uint32, value uint32) ValWord
	// WriteBlock queues a block write.
	WriteBlock(addr uint32, data []uint32, incremental bool) ValWord
	// RMWBits queues x = (x & and) | or; the deferred value observes the
	// prior register content.
	RMWBits(addr uint32, and, or uint32) ValWord
	// RMWSum queues x = x + addend; the deferred value observes the
	// prior register content.
	RMWSum(addr uint32, addend uint32) ValWord
	// ReadConfig and WriteConfig access the device's configuration
	// address space.
	ReadConfig(addr uint32) ValWord
	WriteConfig(addr uint32, value uint32) ValWord

	// Dispatch flushes the queue and blocks until every queued request
	// is either valid or failed. It is a no-op on an empty queue.
	Dispatch() error

	// SetTimeout and Timeout control the per-packet round trip bound.
	SetTimeout(d time.Duration)
	Timeout() time.Duration

	// Close releases the transport. The client cannot be reused.
	Close() error
}

// StatsReporter is implemented by clients that count transport events.
type StatsReporter interface {
	Stats() Stats
}

// Stats counts transport events over the client's lifetime.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	StatusProbes    uint64
	Resends         uint64
	Retransmissions uint64
}

// NewClient builds a transport client from a connection URI, dispatching
// on the protocol token.
func NewClient(id, rawuri string) (ClientInterface, error) {
	u, err := uri.Parse(rawuri)
	if err != nil {
		return nil, err
	}
	switch u.Protocol {
	case "ipbusudp-2.0":
		return newUDPClient(id, rawuri, u), nil
	case "ipbuspcie-2.0":
		return newPCIeClient(id, rawuri, u), nil
	case "ipbusudp-1.3", "chtcp-2.0":
		return nil, errors.Wrapf(ErrUnknownProtocol, "protocol %q recognised but not supported", u.Protocol)
	}
	return nil, errors.Wrapf(ErrUnknownProtocol, "protocol %q in %q", u.Protocol, rawuri)
}

// record is one queued logical request awaiting dispatch.
type record struct {
	typ    ipbus.TypeID
	addr   uint32
	nwords uint32   // requested words for reads
	input  []uint32 // payload for writes, operands for RMW
	word   *wordCell
	vec    *vecCell
}

// chunk is the part of a record packed into one transaction. Block
// transfers too large for a single transaction or packet span several
// chunks; offset locates the chunk within the record's payload.
type chunk struct {
	rec    *record
	offset uint32
	words  uint32
	final  bool
}

// outPacket is one packed control packet together with the chunks its
// transactions came from, in order; replies are matched back by position.
type outPacket struct {
	pack     *ipbus.Packet
	chunks   []chunk
	id       uint16
	sent     time.Time
	attempts int
	replied  bool
	replies  []ipbus.Reply
}

// baseClient holds the queue and the packing engine shared by every
// transport.
type baseClient struct {
	id      string
	rawuri  string
	u       uri.URI
	timeout time.Duration
	queue   []*record
}

func (c *baseClient) ID() string                 { return c.id }
func (c *baseClient) URI() string                { return c.rawuri }
func (c *baseClient) SetTimeout(d time.Duration) { c.timeout = d }
func (c *baseClient) Timeout() time.Duration     { return c.timeout }

func (c *baseClient) Read(addr uint32) ValWord {
	cell := &wordCell{mask: NoMask}
	c.queue = append(c.queue, &record{typ: ipbus.TypeRead, addr: addr, nwords: 1, word: cell})
	return ValWord{cell: cell}
}

func (c *baseClient) ReadBlock(addr uint32, n uint32, incremental bool) ValVector {
	cell := &vecCell{data: make([]uint32, n)}
	if n == 0 {
		// Nothing to transfer; the reservation is trivially satisfied.
		cell.finalize()
		return ValVector{cell: cell}
	}
	typ := ipbus.TypeReadNonInc
	if incremental {
		typ = ipbus.TypeRead
	}
	c.queue = append(c.queue, &record{typ: typ, addr: addr, nwords: n, vec: cell})
	return ValVector{cell: cell}
}

func (c *baseClient) Write(addr uint32, value uint32) ValWord {
	cell := &wordCell{mask: NoMask}
	c.queue = append(c.queue, &record{typ: ipbus.TypeWrite, addr: addr, nwords: 1, input: []uint32{value}, word: cell})
	return ValWord{cell: cell}
}

func (c *baseClient) WriteBlock(addr uint32, data []uint32, incremental bool) ValWord {
	cell := &wordCell{mask: NoMask}
	if len(data) == 0 {
		cell.setValid(0)
		return ValWord{cell: cell}
	}
	typ := ipbus.TypeWriteNonInc
	if incremental {
		typ = ipbus.TypeWrite
	}
	input := make([]uint32, len(data))
	copy(input, data)
	c.queue = append(c.queue, &record{typ: typ, addr: addr, nwords: uint32(len(data)), input: input, word: cell})
	return ValWord{cell: cell}
}

func (c *baseClient) RMWBits(addr uint32, and, or uint32) ValWord {
	cell := &wordCell{mask: NoMask}
	c.queue = append(c.queue, &record{typ: ipbus.TypeRMWBits, addr: addr, nwords: 1, input: []uint32{and, or}, word: cell})
	return ValWord{cell: cell}
}

func (c *baseClient) RMWSum(addr uint32, addend uint32) ValWord {
	cell := &wordCell{mask: NoMask}
	c.queue = append(c.queue, &record{typ: ipbus.TypeRMWSum, addr: addr, nwords: 1, input: []uint32{addend}, word: cell})
	return ValWord{cell: cell}
}

func (c *baseClient) ReadConfig(addr uint32) ValWord {
	cell := &wordCell{mask: NoMask}
	c.queue = append(c.queue, &record{typ: ipbus.TypeConfigRead, addr: addr, nwords: 1, word: cell})
	return ValWord{cell: cell}
}

func (c *baseClient) WriteConfig(addr uint32, value uint32) ValWord {
	cell := &wordCell{mask: NoMask}
	c.queue = append(c.queue, &record{typ: ipbus.TypeConfigWrite, addr: addr, nwords: 1, input: []uint32{value}, word: cell})
	return ValWord{cell: cell}
}

// failPending marks every still-pending reservation of the current batch
// as failed. Cells already finalised keep their values.
func (c *baseClient) failPending(err error) {
	for _, rec := range c.queue {
		if rec.word != nil {
			rec.word.fail(err)
		}
		if rec.vec != nil {
			rec.vec.fail(err)
		}
	}
}

// pack turns the queue into control packets, splitting block transfers
// over transactions and packets as the space accounting requires.
// Submission order is preserved: packet order equals queue order and so
// does chunk order within each packet.
func (c *baseClient) pack(mtu uint32) ([]*outPacket, error) {
	var packs []*outPacket
	cur := &outPacket{pack: ipbus.NewPacket(mtu)}
	packs = append(packs, cur)
	fresh := func() {
		cur = &outPacket{pack: ipbus.NewPacket(mtu)}
		packs = append(packs, cur)
	}
	for _, rec := range c.queue {
		switch rec.typ {
		case ipbus.TypeRead, ipbus.TypeReadNonInc, ipbus.TypeConfigRead:
			remaining := rec.nwords
			offset := uint32(0)
			for {
				req, resp := cur.pack.Space()
				if req < 2 || resp < 2 {
					fresh()
					_, resp = cur.pack.Space()
				}
				n := remaining
				if max := uint32(resp - 1); n > max {
					n = max
				}
				if n > ipbus.MaxTransactionWords {
					n = ipbus.MaxTransactionWords
				}
				addr := rec.addr
				if rec.typ != ipbus.TypeReadNonInc {
					addr += offset
				}
				if err := cur.pack.Add(rec.typ, addr, uint8(n), nil); err != nil {
					return nil, err
				}
				remaining -= n
				cur.chunks = append(cur.chunks, chunk{rec: rec, offset: offset, words: n, final: remaining == 0})
				offset += n
				if remaining == 0 {
					break
				}
			}
		case ipbus.TypeWrite, ipbus.TypeWriteNonInc, ipbus.TypeConfigWrite:
			remaining := uint32(len(rec.input))
			offset := uint32(0)
			for {
				req, resp := cur.pack.Space()
				if req < 3 || resp < 1 {
					fresh()
					req, _ = cur.pack.Space()
				}
				n := remaining
				if max := uint32(req - 2); n > max {
					n = max
				}
				if n > ipbus.MaxTransactionWords {
					n = ipbus.MaxTransactionWords
				}
				addr := rec.addr
				if rec.typ != ipbus.TypeWriteNonInc {
					addr += offset
				}
				if err := cur.pack.Add(rec.typ, addr, uint8(n), rec.input[offset:offset+n]); err != nil {
					return nil, err
				}
				remaining -= n
				cur.chunks = append(cur.chunks, chunk{rec: rec, offset: offset, words: n, final: remaining == 0})
				offset += n
				if remaining == 0 {
					break
				}
			}
		case ipbus.TypeRMWBits:
			if !cur.pack.Fits(ipbus.TypeRMWBits, 1) {
				fresh()
			}
			if err := cur.pack.Add(ipbus.TypeRMWBits, rec.addr, 1, rec.input); err != nil {
				return nil, err
			}
			cur.chunks = append(cur.chunks, chunk{rec: rec, words: 1, final: true})
		case ipbus.TypeRMWSum:
			if !cur.pack.Fits(ipbus.TypeRMWSum, 1) {
				fresh()
			}
			if err := cur.pack.Add(ipbus.TypeRMWSum, rec.addr, 1, rec.input); err != nil {
				return nil, err
			}
			cur.chunks = append(cur.chunks, chunk{rec: rec, words: 1, final: true})
		default:
			return nil, errors.Errorf("uhal: cannot pack %v transaction", rec.typ)
		}
	}
	if cur.pack.Empty() && len(packs) > 1 {
		packs = packs[:len(packs)-1]
	}
	return packs, nil
}

// finalize populates the deferred cells of one replied packet. Callers
// finalise packets strictly in submission order, which is what makes
// observation of value k imply values 0..k-1 are settled.
func finalize(op *outPacket) {
	for i, ch := range op.chunks {
		if i >= len(op.replies) {
			ch.fail(errors.Wrapf(ipbus.ErrValidation, "reply carries %d of %d transactions", len(op.replies), len(op.chunks)))
			continue
		}
		rep := op.replies[i]
		if rep.Header.Type != ch.rec.typ {
			ch.fail(errors.Wrapf(ipbus.ErrValidation, "reply type %v for %v request", rep.Header.Type, ch.rec.typ))
			continue
		}
		if err := rep.Err(); err != nil {
			ch.fail(err)
			continue
		}
		switch ch.rec.typ {
		case ipbus.TypeRead, ipbus.TypeReadNonInc, ipbus.TypeConfigRead:
			if uint32(len(rep.Data)) != ch.words {
				ch.fail(errors.Wrapf(ipbus.ErrValidation, "read reply of %d words, want %d", len(rep.Data), ch.words))
				continue
			}
			if ch.rec.vec != nil {
				copy(ch.rec.vec.data[ch.offset:], rep.Data)
				if ch.final {
					ch.rec.vec.finalize()
				}
			} else if len(rep.Data) > 0 {
				ch.rec.word.setValid(rep.Data[0])
			}
		case ipbus.TypeWrite, ipbus.TypeWriteNonInc, ipbus.TypeConfigWrite:
			if ch.final {
				ch.rec.word.setValid(uint32(len(ch.rec.input)))
			}
		case ipbus.TypeRMWBits, ipbus.TypeRMWSum:
			if len(rep.Data) != 1 {
				ch.fail(errors.Wrapf(ipbus.ErrValidation, "rmw reply of %d words, want 1", len(rep.Data)))
				continue
			}
			ch.rec.word.setValid(rep.Data[0])
		}
	}
}

// fail marks the chunk's record as failed without touching cells that
// were already settled.
func (ch chunk) fail(err error) {
	if ch.rec.word != nil {
		ch.rec.word.fail(err)
	}
	if ch.rec.vec != nil {
		ch.rec.vec.fail(err)
	}
}
