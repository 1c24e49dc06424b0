package dummyhw

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-daq/uhal/ipbus"
)

func startDevice(t *testing.T) (*Device, *net.UDPConn) {
	t.Helper()
	dev, err := New(0)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	conn, err := net.DialUDP("udp", nil, dev.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return dev, conn
}

func exchange(t *testing.T, conn *net.UDPConn, out []byte) []byte {
	t.Helper()
	_, err := conn.Write(out)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestStatusReply(t *testing.T) {
	dev, conn := startDevice(t)

	st, err := ipbus.ParseStatus(exchange(t, conn, ipbus.StatusRequest()))
	require.NoError(t, err)
	assert.Equal(t, ipbus.DefaultMTU, st.MTU)
	assert.Equal(t, uint32(4), st.Buffers)
	assert.Equal(t, uint16(1), st.NextID, "fresh device expects packet id 1")
	assert.Equal(t, uint64(1), dev.StatusRequests())
}

func TestControlReadWrite(t *testing.T) {
	dev, conn := startDevice(t)

	p := ipbus.NewPacket(ipbus.DefaultMTU)
	require.NoError(t, p.Add(ipbus.TypeWrite, 0x20, 3, []uint32{5, 6, 7}))
	require.NoError(t, p.Add(ipbus.TypeRead, 0x21, 2, nil))
	ph, replies, err := ipbus.ParseReplies(exchange(t, conn, p.Bytes(1)))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ph.ID)
	require.Len(t, replies, 2)
	require.NoError(t, replies[0].Err())
	assert.Equal(t, []uint32{6, 7}, replies[1].Data)
	assert.Equal(t, uint32(5), dev.Peek(0x20))

	// The packet advanced the device's id expectation.
	st, err := ipbus.ParseStatus(exchange(t, conn, ipbus.StatusRequest()))
	require.NoError(t, err)
	assert.Equal(t, uint16(2), st.NextID)
	assert.True(t, st.Received(1))
}

func TestNonIncrementalAccess(t *testing.T) {
	dev, conn := startDevice(t)
	dev.Poke(0x100, 42)

	p := ipbus.NewPacket(ipbus.DefaultMTU)
	require.NoError(t, p.Add(ipbus.TypeReadNonInc, 0x100, 3, nil))
	require.NoError(t, p.Add(ipbus.TypeWriteNonInc, 0x200, 3, []uint32{1, 2, 3}))
	_, replies, err := ipbus.ParseReplies(exchange(t, conn, p.Bytes(1)))
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, []uint32{42, 42, 42}, replies[0].Data)
	assert.Equal(t, uint32(3), dev.Peek(0x200), "port write keeps the last word")
	assert.Equal(t, uint32(0), dev.Peek(0x201))
}

func TestRMWTransactions(t *testing.T) {
	dev, conn := startDevice(t)
	dev.Poke(0x8, 0xf0f0)

	p := ipbus.NewPacket(ipbus.DefaultMTU)
	require.NoError(t, p.Add(ipbus.TypeRMWBits, 0x8, 1, []uint32{0x00ff, 0x0a00}))
	require.NoError(t, p.Add(ipbus.TypeRMWSum, 0x8, 1, []uint32{1}))
	_, replies, err := ipbus.ParseReplies(exchange(t, conn, p.Bytes(1)))
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, []uint32{0xf0f0}, replies[0].Data)
	assert.Equal(t, []uint32{0x0af0}, replies[1].Data)
	assert.Equal(t, uint32(0x0af1), dev.Peek(0x8))
}

func TestConfigurationSpace(t *testing.T) {
	dev, conn := startDevice(t)
	dev.Poke(0x0, 0x1111)

	p := ipbus.NewPacket(ipbus.DefaultMTU)
	require.NoError(t, p.Add(ipbus.TypeConfigWrite, 0x0, 1, []uint32{0x2222}))
	require.NoError(t, p.Add(ipbus.TypeConfigRead, 0x0, 1, nil))
	_, replies, err := ipbus.ParseReplies(exchange(t, conn, p.Bytes(1)))
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, []uint32{0x2222}, replies[1].Data)
	assert.Equal(t, uint32(0x1111), dev.Peek(0x0), "bus memory is untouched by config access")
}

func TestResendAfterDroppedReply(t *testing.T) {
	dev, conn := startDevice(t)
	dev.Poke(0x5, 99)
	dev.DropNextReplies(1)

	p := ipbus.NewPacket(ipbus.DefaultMTU)
	require.NoError(t, p.Add(ipbus.TypeRead, 0x5, 1, nil))
	_, err := conn.Write(p.Bytes(7))
	require.NoError(t, err)

	// The reply was swallowed.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 65536)
	_, err = conn.Read(buf)
	require.Error(t, err)

	// But the device executed the packet and can resend it.
	st, err := ipbus.ParseStatus(exchange(t, conn, ipbus.StatusRequest()))
	require.NoError(t, err)
	assert.True(t, st.Received(7))

	ph, replies, err := ipbus.ParseReplies(exchange(t, conn, ipbus.ResendRequest(7)))
	require.NoError(t, err)
	assert.Equal(t, uint16(7), ph.ID)
	require.Len(t, replies, 1)
	assert.Equal(t, []uint32{99}, replies[0].Data)
}

func TestDuplicateNextReplies(t *testing.T) {
	dev, conn := startDevice(t)
	dev.Poke(0x5, 11)
	dev.DuplicateNextReplies(1)

	p := ipbus.NewPacket(ipbus.DefaultMTU)
	require.NoError(t, p.Add(ipbus.TypeRead, 0x5, 1, nil))
	first := exchange(t, conn, p.Bytes(3))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, first, buf[:n], "second copy is byte identical")
}

func TestStrayNextReplies(t *testing.T) {
	dev, conn := startDevice(t)
	dev.Poke(0x5, 11)
	dev.StrayNextReplies(1)

	p := ipbus.NewPacket(ipbus.DefaultMTU)
	require.NoError(t, p.Add(ipbus.TypeRead, 0x5, 1, nil))
	stray := exchange(t, conn, p.Bytes(3))
	ph, err := ipbus.DecodePacketHeader(stray)
	require.NoError(t, err)
	assert.Equal(t, strayID, ph.ID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	ph, replies, err := ipbus.ParseReplies(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint16(3), ph.ID)
	require.Len(t, replies, 1)
	assert.Equal(t, []uint32{11}, replies[0].Data)
}

func TestResendUnknownIDStaysSilent(t *testing.T) {
	_, conn := startDevice(t)
	_, err := conn.Write(ipbus.ResendRequest(1234))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestDropAllSilencesDevice(t *testing.T) {
	dev, conn := startDevice(t)
	dev.SetDropAll(true)

	_, err := conn.Write(ipbus.StatusRequest())
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	assert.Error(t, err)
	// Swallowed requests are still counted.
	assert.Equal(t, uint64(1), dev.StatusRequests())
}

func TestErrorAddress(t *testing.T) {
	dev, conn := startDevice(t)
	dev.SetErrorAddr(0x66)
	dev.Poke(0x67, 1)

	p := ipbus.NewPacket(ipbus.DefaultMTU)
	require.NoError(t, p.Add(ipbus.TypeRead, 0x66, 1, nil))
	require.NoError(t, p.Add(ipbus.TypeWrite, 0x66, 1, []uint32{5}))
	require.NoError(t, p.Add(ipbus.TypeRead, 0x67, 1, nil))
	_, replies, err := ipbus.ParseReplies(exchange(t, conn, p.Bytes(1)))
	require.NoError(t, err)
	require.Len(t, replies, 3)
	assert.ErrorIs(t, replies[0].Err(), ipbus.ErrReply)
	assert.ErrorIs(t, replies[1].Err(), ipbus.ErrReply)
	assert.Equal(t, []uint32{1}, replies[2].Data)
	assert.Equal(t, uint32(0), dev.Peek(0x66), "failed write must not land")
}

func TestConfigDefaults(t *testing.T) {
	dev, err := NewFromConfig(Config{})
	require.NoError(t, err)
	defer dev.Close()
	assert.NotZero(t, dev.Addr().Port)
}

func TestCloseIdempotent(t *testing.T) {
	dev, err := New(0)
	require.NoError(t, err)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
}
