package uhal

import (
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-daq/uhal/ipbus"
	"github.com/go-daq/uhal/uri"
)

// pcieClient exchanges IPbus control packets with an FPGA through a pair
// of DMA character devices, host-to-card and card-to-host, named in the
// URI path separated by a comma:
//
//	ipbuspcie-2.0:///dev/xdma0_h2c_0,/dev/xdma0_c2h_0
//
// The link neither drops nor reorders packets, so there is no reliability
// window here: packets go out one at a time and the reply is read back
// before the next is sent. Sequence numbers are still stamped so a
// mismatched reply is detected.
type pcieClient struct {
	baseClient

	h2cPath, c2hPath string
	h2c, c2h         *os.File
	started          bool
	nextID           uint16
	mtu              uint32
}

func newPCIeClient(id, rawuri string, u uri.URI) *pcieClient {
	h2c, c2h := "", ""
	parts := strings.SplitN("/"+u.Path, ",", 2)
	h2c = parts[0]
	if len(parts) == 2 {
		c2h = parts[1]
	}
	return &pcieClient{
		baseClient: baseClient{id: id, rawuri: rawuri, u: u, timeout: DefaultTimeout},
		h2cPath:    h2c,
		c2hPath:    c2h,
		nextID:     1,
		mtu:        ipbus.DefaultMTU,
	}
}

func (c *pcieClient) ensureStarted() error {
	if c.started {
		return nil
	}
	if c.h2cPath == "" || c.c2hPath == "" {
		return errors.Wrapf(ErrSocket, "client %q: URI %q does not name a host-to-card and card-to-host device pair", c.id, c.rawuri)
	}
	h2c, err := os.OpenFile(c.h2cPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(ErrSocket, "client %q: open %s: %v", c.id, c.h2cPath, err)
	}
	c2h, err := os.OpenFile(c.c2hPath, os.O_RDONLY, 0)
	if err != nil {
		h2c.Close()
		return errors.Wrapf(ErrSocket, "client %q: open %s: %v", c.id, c.c2hPath, err)
	}
	c.h2c, c.c2h = h2c, c2h
	c.started = true
	return nil
}

func (c *pcieClient) Close() error {
	var first error
	for _, f := range []*os.File{c.h2c, c.c2h} {
		if f != nil {
			if err := f.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	c.h2c, c.c2h = nil, nil
	c.started = false
	return first
}

func (c *pcieClient) Dispatch() error {
	defer func() { c.queue = c.queue[:0] }()
	if len(c.queue) == 0 {
		return nil
	}
	if err := c.ensureStarted(); err != nil {
		c.failPending(err)
		return err
	}
	packs, err := c.pack(c.mtu)
	if err != nil {
		c.failPending(err)
		return err
	}
	for _, op := range packs {
		op.id = c.nextID
		if c.nextID == 0xFFFF {
			c.nextID = 1
		} else {
			c.nextID++
		}
		if err := c.roundtrip(op); err != nil {
			c.failPending(err)
			return err
		}
		finalize(op)
	}
	return nil
}

func (c *pcieClient) roundtrip(op *outPacket) error {
	if _, err := c.h2c.Write(op.pack.Bytes(op.id)); err != nil {
		return errors.Wrapf(ErrSocket, "client %q: write: %v", c.id, err)
	}
	buf := make([]byte, c.mtu)
	n, err := c.c2h.Read(buf)
	if err != nil {
		return errors.Wrapf(ErrSocket, "client %q: read: %v", c.id, err)
	}
	ph, replies, err := ipbus.ParseReplies(buf[:n])
	if err != nil {
		return err
	}
	if ph.ID != op.id {
		return errors.Wrapf(ipbus.ErrValidation, "client %q: reply id %d, want %d", c.id, ph.ID, op.id)
	}
	op.replies = replies
	op.replied = true
	return nil
}
