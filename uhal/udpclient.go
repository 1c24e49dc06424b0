package uhal

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/go-daq/uhal/ipbus"
	"github.com/go-daq/uhal/uri"
)

// udpClient speaks IPbus 2.0 over UDP with the reliability machinery the
// protocol defines: a status exchange before any control traffic, a
// bounded in-flight window of sequenced packets, and loss recovery through
// status probes followed by resend requests or retransmission.
//
// The client moves through the states fresh (no socket, no traffic),
// ready (window open), window-full (waiting on replies), recovering (a
// reply timed out, probing) and dead (recovery abandoned). All of it runs
// synchronously inside Dispatch; outside Dispatch the client is inert.
type udpClient struct {
	baseClient

	conn       *net.UDPConn
	started    bool
	dead       bool
	maxRetries int

	mtu    uint32
	window int
	nextID uint16

	// Ring of recently finalised packet ids, used to tell a duplicate
	// reply from one outside the window.
	recent      []uint16
	recentIndex int

	stats Stats
}

func newUDPClient(id, rawuri string, u uri.URI) *udpClient {
	return &udpClient{
		baseClient: baseClient{id: id, rawuri: rawuri, u: u, timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		mtu:        ipbus.DefaultMTU,
		window:     4,
		nextID:     1,
		recent:     make([]uint16, 32),
	}
}

// SetMaxRetries overrides the probe budget used before declaring the
// transport dead.
func (c *udpClient) SetMaxRetries(n int) {
	if n > 0 {
		c.maxRetries = n
	}
}

func (c *udpClient) Stats() Stats { return c.stats }

func (c *udpClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.started = false
	return err
}

func (c *udpClient) Dispatch() error {
	defer func() { c.queue = c.queue[:0] }()
	if c.dead {
		err := errors.Wrapf(ErrTransportDead, "client %q", c.id)
		c.failPending(err)
		return err
	}
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
	if err := c.exchange(packs); err != nil {
		c.failPending(err)
		return err
	}
	return nil
}

// ensureStarted opens the socket and performs the initial status exchange
// to learn the device's MTU, reply buffer count and next expected packet
// id. This is the fresh → ready transition.
func (c *udpClient) ensureStarted() error {
	if c.started {
		return nil
	}
	if c.conn == nil {
		raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.u.Hostname, c.u.Port))
		if err != nil {
			return errors.Wrapf(ErrSocket, "resolve %q: %v", c.rawuri, err)
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return errors.Wrapf(ErrSocket, "dial %q: %v", c.rawuri, err)
		}
		c.conn = conn
	}
	st, err := c.statusProbe()
	if err != nil {
		c.dead = true
		return errors.Wrapf(ErrTransportDead, "client %q: no status reply: %v", c.id, err)
	}
	if st.MTU >= 64 && st.MTU < c.mtu {
		c.mtu = st.MTU
	}
	if st.Buffers > 0 {
		c.window = int(st.Buffers)
		if c.window > 16 {
			c.window = 16
		}
	}
	if st.NextID != 0 {
		c.nextID = st.NextID
	}
	c.started = true
	logger().Debug("uhal: transport ready",
		"client", c.id, "mtu", c.mtu, "window", c.window, "nextid", c.nextID)
	return nil
}

// takeID hands out the next control packet id, wrapping through
// [1, 0xFFFF]; zero is reserved for status traffic.
func (c *udpClient) takeID() uint16 {
	id := c.nextID
	if c.nextID == 0xFFFF {
		c.nextID = 1
	} else {
		c.nextID++
	}
	return id
}

// exchange runs the window over the packed packets until every one has
// been replied to and finalised, recovering losses along the way.
func (c *udpClient) exchange(packs []*outPacket) error {
	next := 0
	done := 0
	var inflight []*outPacket
	for done < len(packs) {
		for len(inflight) < c.window && next < len(packs) {
			op := packs[next]
			op.id = c.takeID()
			if err := c.send(op.pack.Bytes(op.id)); err != nil {
				return err
			}
			op.sent = time.Now()
			inflight = append(inflight, op)
			next++
		}

		data, err := c.recv()
		if err != nil {
			if !errors.Is(err, ErrTimeout) {
				return err
			}
			if err := c.recover(inflight); err != nil {
				return err
			}
			continue
		}

		ph, err := ipbus.DecodePacketHeader(data)
		if err != nil {
			return err
		}
		if ph.Type == ipbus.Status {
			// Late status reply from an earlier probe.
			continue
		}
		op := matchInflight(inflight, ph.ID)
		if op == nil {
			if c.isDuplicate(inflight, ph.ID) {
				logger().Debug("uhal: dropping duplicate reply", "client", c.id, "id", ph.ID)
				continue
			}
			logger().Warn("uhal: reply outside window, probing status", "client", c.id, "id", ph.ID)
			c.stats.StatusProbes++
			if err := c.send(ipbus.StatusRequest()); err != nil {
				return err
			}
			continue
		}

		_, replies, err := ipbus.ParseReplies(data)
		if err != nil {
			return err
		}
		op.replies = replies
		op.replied = true
		c.stats.PacketsReceived++

		// Deferred values are populated strictly in submission order, so
		// only the contiguous replied prefix is finalised.
		for len(inflight) > 0 && inflight[0].replied {
			finalize(inflight[0])
			c.remember(inflight[0].id)
			inflight = inflight[1:]
			done++
		}
	}
	return nil
}

// recover is the recovering state: learn from a status probe which packets
// the device has seen, then resend or retransmit the unanswered ones.
// Status probes do not occupy the control window.
func (c *udpClient) recover(inflight []*outPacket) error {
	st, err := c.statusProbe()
	if err != nil {
		c.dead = true
		return errors.Wrapf(ErrTransportDead, "client %q: recovery abandoned: %v", c.id, err)
	}
	for _, op := range inflight {
		if op.replied {
			continue
		}
		op.attempts++
		if op.attempts > c.maxRetries {
			c.dead = true
			return errors.Wrapf(ErrTransportDead, "client %q: packet %d lost %d times", c.id, op.id, op.attempts)
		}
		if st.Received(op.id) {
			// The device handled the packet; only the reply was lost.
			logger().Debug("uhal: requesting resend", "client", c.id, "id", op.id)
			c.stats.Resends++
			if err := c.send(ipbus.ResendRequest(op.id)); err != nil {
				return err
			}
		} else {
			logger().Debug("uhal: retransmitting", "client", c.id, "id", op.id)
			c.stats.Retransmissions++
			if err := c.send(op.pack.Bytes(op.id)); err != nil {
				return err
			}
		}
	}
	return nil
}

// statusProbe sends a status request and waits for the reply, retrying up
// to the client's probe budget.
func (c *udpClient) statusProbe() (ipbus.StatusInfo, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		c.stats.StatusProbes++
		if err := c.send(ipbus.StatusRequest()); err != nil {
			return ipbus.StatusInfo{}, err
		}
		deadline := time.Now().Add(c.timeout)
		for time.Now().Before(deadline) {
			data, err := c.recvUntil(deadline)
			if err != nil {
				lastErr = err
				break
			}
			ph, err := ipbus.DecodePacketHeader(data)
			if err != nil {
				lastErr = err
				continue
			}
			if ph.Type != ipbus.Status {
				// A control reply racing the probe; it will be recovered
				// by resend on the next round.
				logger().Debug("uhal: ignoring control reply during status probe", "client", c.id, "id", ph.ID)
				continue
			}
			return ipbus.ParseStatus(data)
		}
	}
	if lastErr == nil {
		lastErr = errors.Wrap(ErrTimeout, "status probe")
	}
	return ipbus.StatusInfo{}, lastErr
}

func (c *udpClient) send(data []byte) error {
	if _, err := c.conn.Write(data); err != nil {
		return errors.Wrapf(ErrSocket, "client %q: send: %v", c.id, err)
	}
	c.stats.PacketsSent++
	return nil
}

func (c *udpClient) recv() ([]byte, error) {
	return c.recvUntil(time.Now().Add(c.timeout))
}

func (c *udpClient) recvUntil(deadline time.Time) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrapf(ErrSocket, "client %q: deadline: %v", c.id, err)
	}
	buf := make([]byte, 65536)
	n, err := c.conn.Read(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, errors.Wrapf(ErrTimeout, "client %q after %v", c.id, c.timeout)
		}
		return nil, errors.Wrapf(ErrSocket, "client %q: recv: %v", c.id, err)
	}
	return buf[:n], nil
}

func matchInflight(inflight []*outPacket, id uint16) *outPacket {
	for _, op := range inflight {
		if op.id == id && !op.replied {
			return op
		}
	}
	return nil
}

func (c *udpClient) remember(id uint16) {
	c.recentIndex = (c.recentIndex + 1) % len(c.recent)
	c.recent[c.recentIndex] = id
}

// isDuplicate reports whether a reply carries the id of a packet that was
// already answered, either still in the window or recently finalised.
func (c *udpClient) isDuplicate(inflight []*outPacket, id uint16) bool {
	if id == 0 {
		return false
	}
	for _, op := range inflight {
		if op.id == id && op.replied {
			return true
		}
	}
	for _, r := range c.recent {
		if r == id {
			return true
		}
	}
	return false
}
