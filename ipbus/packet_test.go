package ipbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSpaceAccounting(t *testing.T) {
	// 64 byte MTU is 16 words, one of which is the packet header.
	p := NewPacket(64)
	req, resp := p.Space()
	assert.Equal(t, uint(15), req)
	assert.Equal(t, uint(15), resp)

	// A 10 word read costs 2 request words and 11 reply words.
	require.NoError(t, p.Add(TypeRead, 0x100, 10, nil))
	req, resp = p.Space()
	assert.Equal(t, uint(13), req)
	assert.Equal(t, uint(4), resp)

	// A 14 word read no longer fits in the reply direction.
	assert.False(t, p.Fits(TypeRead, 14))
	assert.Error(t, p.Add(TypeRead, 0x200, 14, nil))

	assert.True(t, p.Fits(TypeRMWSum, 1))
	require.NoError(t, p.Add(TypeRMWSum, 0x300, 1, []uint32{7}))
	assert.Equal(t, 2, p.Transactions())
	assert.False(t, p.Empty())
}

func TestPacketAddValidatesInput(t *testing.T) {
	p := NewPacket(DefaultMTU)
	assert.Error(t, p.Add(TypeRead, 0, 1, []uint32{1}))
	assert.Error(t, p.Add(TypeWrite, 0, 2, []uint32{1}))
	assert.Error(t, p.Add(TypeRMWBits, 0, 1, []uint32{1}))
	assert.Error(t, p.Add(TypeRMWSum, 0, 1, []uint32{1, 2}))
	assert.Error(t, p.Add(TypeID(0xe), 0, 0, nil))
	assert.True(t, p.Empty())
}

func TestPacketRequestRoundtrip(t *testing.T) {
	p := NewPacket(DefaultMTU)
	require.NoError(t, p.Add(TypeWrite, 0x10, 2, []uint32{0xdead, 0xbeef}))
	require.NoError(t, p.Add(TypeRead, 0x20, 4, nil))
	require.NoError(t, p.Add(TypeRMWBits, 0x30, 1, []uint32{0xff00ff00, 0x00aa00aa}))

	data := p.Bytes(0x42)
	ph, reqs, err := ParseRequests(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x42), ph.ID)
	assert.Equal(t, Control, ph.Type)
	require.Len(t, reqs, 3)

	var first RequestTxn = reqs[0]
	assert.Equal(t, TypeWrite, first.Header.Type)
	assert.Equal(t, uint16(0), first.Header.ID)
	assert.Equal(t, Request, first.Header.Code)
	assert.Equal(t, uint32(0x10), first.Addr)
	assert.Equal(t, []uint32{0xdead, 0xbeef}, first.Input)

	assert.Equal(t, TypeRead, reqs[1].Header.Type)
	assert.Equal(t, uint16(1), reqs[1].Header.ID)
	assert.Equal(t, uint8(4), reqs[1].Header.Words)
	assert.Empty(t, reqs[1].Input)

	assert.Equal(t, TypeRMWBits, reqs[2].Header.Type)
	assert.Equal(t, []uint32{0xff00ff00, 0x00aa00aa}, reqs[2].Input)
}

func TestPacketBytesRepeatable(t *testing.T) {
	p := NewPacket(DefaultMTU)
	require.NoError(t, p.Add(TypeRead, 0x1, 1, nil))
	first := append([]byte(nil), p.Bytes(5)...)
	// Retransmission re-stamps the header without growing the buffer.
	assert.Equal(t, first, p.Bytes(5))
	assert.NotEqual(t, first, p.Bytes(6))
}

func TestParseReplies(t *testing.T) {
	// Build a reply by hand: one successful 2 word read, then a failed
	// write.
	p := NewPacket(DefaultMTU)
	head := PacketHeader{Version: Version, ID: 9, Type: Control, Order: p.order}
	data := make([]byte, 4)
	head.Encode(data)
	var scratch [4]byte
	th := TransactionHeader{Version: Version, ID: 0, Words: 2, Type: TypeRead, Code: Success}
	th.Encode(scratch[:], p.order)
	data = append(data, scratch[:]...)
	data = append(data, wordsToBytes([]uint32{11, 22}, p.order)...)
	th = TransactionHeader{Version: Version, ID: 1, Words: 1, Type: TypeWrite, Code: BusWriteError}
	th.Encode(scratch[:], p.order)
	data = append(data, scratch[:]...)

	ph, replies, err := ParseReplies(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), ph.ID)
	require.Len(t, replies, 2)
	assert.Equal(t, []uint32{11, 22}, replies[0].Data)
	assert.NoError(t, replies[0].Err())
	assert.Empty(t, replies[1].Data)
	assert.ErrorIs(t, replies[1].Err(), ErrReply)
}

func TestParseRepliesTruncated(t *testing.T) {
	p := NewPacket(DefaultMTU)
	head := PacketHeader{Version: Version, ID: 1, Type: Control, Order: p.order}
	data := make([]byte, 4)
	head.Encode(data)
	var scratch [4]byte
	th := TransactionHeader{Version: Version, Words: 8, Type: TypeRead, Code: Success}
	th.Encode(scratch[:], p.order)
	data = append(data, scratch[:]...)
	// Advertised 8 data words, none present.
	_, _, err := ParseReplies(data)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStatusRoundtrip(t *testing.T) {
	info := StatusInfo{
		MTU:     1472,
		Buffers: 4,
		NextID:  0x1234,
		ReceivedHeaders: []PacketHeader{
			{Version: Version, ID: 0x1232, Type: Control},
			{Version: Version, ID: 0x1233, Type: Control},
		},
		OutgoingHeaders: []PacketHeader{
			{Version: Version, ID: 0x1233, Type: Control},
		},
	}
	got, err := ParseStatus(EncodeStatus(info))
	require.NoError(t, err)
	assert.Equal(t, uint32(1472), got.MTU)
	assert.Equal(t, uint32(4), got.Buffers)
	assert.Equal(t, uint16(0x1234), got.NextID)
	require.Len(t, got.ReceivedHeaders, 2)
	assert.True(t, got.Received(0x1232))
	assert.True(t, got.Received(0x1233))
	assert.False(t, got.Received(0x1234))
	require.Len(t, got.OutgoingHeaders, 1)
}

func TestStatusRequestShape(t *testing.T) {
	data := StatusRequest()
	require.Len(t, data, 64)
	ph, err := DecodePacketHeader(data)
	require.NoError(t, err)
	assert.Equal(t, Status, ph.Type)
	assert.Equal(t, uint16(0), ph.ID)
}

func TestResendRequest(t *testing.T) {
	ph, err := DecodePacketHeader(ResendRequest(0x77))
	require.NoError(t, err)
	assert.Equal(t, Resend, ph.Type)
	assert.Equal(t, uint16(0x77), ph.ID)
}
