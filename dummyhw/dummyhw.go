// Package dummyhw is a software device speaking IPbus 2.0 over UDP
// against a sparse 32-bit memory map. It exists so the transaction engine
// and the loss recovery paths can be exercised end to end without an FPGA:
// the device answers control, status and resend packets, and can be told
// to drop replies or go entirely silent.
package dummyhw

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/go-daq/uhal/ipbus"
)

// Config describes a dummy device. The zero value is usable: a
// kernel-assigned port, default MTU and four reply buffers.
type Config struct {
	Port            int    `yaml:"port"`
	MTU             uint32 `yaml:"mtu"`
	Buffers         uint32 `yaml:"buffers"`
	DropNextReplies int    `yaml:"drop_next_replies"`
	DropAll         bool   `yaml:"drop_all"`
}

// Device is one running dummy device. All exported methods are safe to
// call while the device serves traffic.
type Device struct {
	conn    *net.UDPConn
	mtu     uint32
	buffers uint32

	mu     sync.Mutex
	mem    map[uint32]uint32
	cfg    map[uint32]uint32
	nextID uint16
	// Recent replies kept for resend requests.
	history   map[uint16][]byte
	historyID []uint16
	histIndex int
	// Last four control headers seen and sent, newest last.
	received []ipbus.PacketHeader
	outgoing []ipbus.PacketHeader
	errAddr  uint32
	hasErr   bool

	dropNext  atomic.Int32
	dupNext   atomic.Int32
	strayNext atomic.Int32
	dropAll   atomic.Bool
	statusN   atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a dummy device on the given UDP port; port 0 picks a free
// one. Use Addr to learn the bound address.
func New(port int) (*Device, error) {
	return NewFromConfig(Config{Port: port})
}

// NewFromConfig starts a dummy device from a full description.
func NewFromConfig(cfg Config) (*Device, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Port})
	if err != nil {
		return nil, errors.Wrap(err, "dummyhw: cannot listen")
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = ipbus.DefaultMTU
	}
	buffers := cfg.Buffers
	if buffers == 0 {
		buffers = 4
	}
	d := &Device{
		conn:      conn,
		mtu:       mtu,
		buffers:   buffers,
		mem:       make(map[uint32]uint32),
		cfg:       make(map[uint32]uint32),
		nextID:    1,
		history:   make(map[uint16][]byte),
		historyID: make([]uint16, 8),
		done:      make(chan struct{}),
	}
	d.dropNext.Store(int32(cfg.DropNextReplies))
	d.dropAll.Store(cfg.DropAll)
	d.wg.Add(1)
	go d.serve()
	return d, nil
}

// Addr returns the device's UDP address.
func (d *Device) Addr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops the device.
func (d *Device) Close() error {
	select {
	case <-d.done:
		return nil
	default:
	}
	close(d.done)
	err := d.conn.Close()
	d.wg.Wait()
	return err
}

// DropNextReplies makes the device swallow the next n control replies.
// The dropped replies still enter the resend history, as they would on
// real hardware where only the return path lost them.
func (d *Device) DropNextReplies(n int) { d.dropNext.Store(int32(n)) }

// SetDropAll silences the device completely, status traffic included.
func (d *Device) SetDropAll(drop bool) { d.dropAll.Store(drop) }

// DuplicateNextReplies makes the device send the next n control replies
// twice, as a network that duplicates datagrams would.
func (d *Device) DuplicateNextReplies(n int) { d.dupNext.Store(int32(n)) }

// StrayNextReplies makes the device precede the next n control replies
// with a copy stamped with a packet id the client never sent.
func (d *Device) StrayNextReplies(n int) { d.strayNext.Store(int32(n)) }

// StatusRequests counts the status requests served, including those
// swallowed by SetDropAll.
func (d *Device) StatusRequests() uint64 { return d.statusN.Load() }

// SetErrorAddr makes bus accesses to the given address fail with a
// device-reported error code, for exercising per-transaction failures.
func (d *Device) SetErrorAddr(addr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errAddr = addr
	d.hasErr = true
}

// Peek reads a memory word directly, bypassing the wire protocol.
func (d *Device) Peek(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mem[addr]
}

// Poke writes a memory word directly, bypassing the wire protocol.
func (d *Device) Poke(addr, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mem[addr] = value
}

func (d *Device) serve() {
	defer d.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, raddr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		d.handle(data, raddr)
	}
}

func (d *Device) handle(data []byte, raddr *net.UDPAddr) {
	ph, err := ipbus.DecodePacketHeader(data)
	if err != nil {
		return // not IPbus, ignore
	}
	switch ph.Type {
	case ipbus.Status:
		d.statusN.Add(1)
		if d.dropAll.Load() {
			return
		}
		d.conn.WriteToUDP(d.status(), raddr)
	case ipbus.Resend:
		if d.dropAll.Load() {
			return
		}
		d.mu.Lock()
		reply, ok := d.history[ph.ID]
		d.mu.Unlock()
		if ok {
			d.conn.WriteToUDP(reply, raddr)
		}
	case ipbus.Control:
		if d.dropAll.Load() {
			return
		}
		reply := d.control(data)
		if reply == nil {
			return
		}
		if d.dropNext.Load() > 0 {
			d.dropNext.Add(-1)
			return
		}
		if d.strayNext.Load() > 0 {
			d.strayNext.Add(-1)
			d.conn.WriteToUDP(restampReply(reply, strayID), raddr)
		}
		d.conn.WriteToUDP(reply, raddr)
		if d.dupNext.Load() > 0 {
			d.dupNext.Add(-1)
			d.conn.WriteToUDP(reply, raddr)
		}
	}
}

// strayID is stamped onto injected stray replies; it sits far from any
// id a fresh client window will use.
const strayID = uint16(0x7a7a)

func restampReply(reply []byte, id uint16) []byte {
	out := make([]byte, len(reply))
	copy(out, reply)
	ph, err := ipbus.DecodePacketHeader(reply)
	if err != nil {
		return out
	}
	ph.ID = id
	ph.Encode(out)
	return out
}

func (d *Device) status() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ipbus.EncodeStatus(ipbus.StatusInfo{
		MTU:             d.mtu,
		Buffers:         d.buffers,
		NextID:          d.nextID,
		ReceivedHeaders: d.received,
		OutgoingHeaders: d.outgoing,
	})
}

// control executes a control packet against the memory map and returns
// the encoded reply. The reply is recorded in the resend history whether
// or not it is subsequently dropped.
func (d *Device) control(data []byte) []byte {
	ph, reqs, err := ipbus.ParseRequests(data)
	if err != nil {
		return nil
	}
	order := ph.Order

	d.mu.Lock()
	defer d.mu.Unlock()

	reply := make([]byte, 4, d.mtu)
	head := ipbus.PacketHeader{Version: ipbus.Version, ID: ph.ID, Type: ipbus.Control, Order: order}
	head.Encode(reply)
	var scratch [4]byte
	emit := func(h ipbus.TransactionHeader, words []uint32) {
		h.Encode(scratch[:], order)
		reply = append(reply, scratch[:]...)
		for _, w := range words {
			order.PutUint32(scratch[:], w)
			reply = append(reply, scratch[:]...)
		}
	}

	for _, req := range reqs {
		th := req.Header
		th.Code = ipbus.Success
		if d.hasErr && req.Addr == d.errAddr {
			switch req.Header.Type {
			case ipbus.TypeRead, ipbus.TypeReadNonInc, ipbus.TypeConfigRead:
				th.Code = ipbus.BusReadError
			default:
				th.Code = ipbus.BusWriteError
			}
			th.Words = 0
			emit(th, nil)
			continue
		}
		switch req.Header.Type {
		case ipbus.TypeRead, ipbus.TypeConfigRead:
			mem := d.space(req.Header.Type)
			words := make([]uint32, th.Words)
			for i := range words {
				words[i] = mem[req.Addr+uint32(i)]
			}
			emit(th, words)
		case ipbus.TypeReadNonInc:
			words := make([]uint32, th.Words)
			for i := range words {
				words[i] = d.mem[req.Addr]
			}
			emit(th, words)
		case ipbus.TypeWrite, ipbus.TypeConfigWrite:
			mem := d.space(req.Header.Type)
			for i, w := range req.Input {
				mem[req.Addr+uint32(i)] = w
			}
			emit(th, nil)
		case ipbus.TypeWriteNonInc:
			// Port-like target: every word lands on the same address.
			for _, w := range req.Input {
				d.mem[req.Addr] = w
			}
			emit(th, nil)
		case ipbus.TypeRMWBits:
			old := d.mem[req.Addr]
			d.mem[req.Addr] = (old & req.Input[0]) | req.Input[1]
			th.Words = 1
			emit(th, []uint32{old})
		case ipbus.TypeRMWSum:
			old := d.mem[req.Addr]
			d.mem[req.Addr] = old + req.Input[0]
			th.Words = 1
			emit(th, []uint32{old})
		}
	}

	d.record(ph, head, reply)
	return reply
}

func (d *Device) space(t ipbus.TypeID) map[uint32]uint32 {
	if t == ipbus.TypeConfigRead || t == ipbus.TypeConfigWrite {
		return d.cfg
	}
	return d.mem
}

// record updates the packet id expectation, the status histories and the
// resend ring. Caller holds d.mu.
func (d *Device) record(ph, replyHead ipbus.PacketHeader, reply []byte) {
	if ph.ID == 0xFFFF {
		d.nextID = 1
	} else {
		d.nextID = ph.ID + 1
	}
	d.received = appendHeader(d.received, ph)
	d.outgoing = appendHeader(d.outgoing, replyHead)

	d.histIndex = (d.histIndex + 1) % len(d.historyID)
	delete(d.history, d.historyID[d.histIndex])
	d.historyID[d.histIndex] = ph.ID
	d.history[ph.ID] = reply
}

func appendHeader(hs []ipbus.PacketHeader, h ipbus.PacketHeader) []ipbus.PacketHeader {
	hs = append(hs, h)
	if len(hs) > 4 {
		hs = hs[len(hs)-4:]
	}
	return hs
}
