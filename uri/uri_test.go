package uri

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUDP(t *testing.T) {
	u, err := Parse("ipbusudp-2.0://fpga01:50001")
	require.NoError(t, err)
	assert.Equal(t, "ipbusudp-2.0", u.Protocol)
	assert.Equal(t, "fpga01", u.Hostname)
	assert.Equal(t, "50001", u.Port)
	assert.Empty(t, u.Path)
	assert.Empty(t, u.Arguments)
}

func TestParsePCIe(t *testing.T) {
	u, err := Parse("ipbuspcie-2.0:///dev/xdma0_h2c_0,/dev/xdma0_c2h_0")
	require.NoError(t, err)
	assert.Equal(t, "ipbuspcie-2.0", u.Protocol)
	assert.Empty(t, u.Hostname)
	assert.Equal(t, "dev/xdma0_h2c_0,/dev/xdma0_c2h_0", u.Path)
}

func TestParsePathExtensionArguments(t *testing.T) {
	u, err := Parse("proto://host:123/some/table.xml?target=board&period=2")
	require.NoError(t, err)
	assert.Equal(t, "host", u.Hostname)
	assert.Equal(t, "123", u.Port)
	assert.Equal(t, "some/table", u.Path)
	assert.Equal(t, "xml", u.Extension)
	require.Len(t, u.Arguments, 2)
	assert.Equal(t, Argument{Key: "target", Value: "board"}, u.Arguments[0])

	v, ok := u.Get("period")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = u.Get("absent")
	assert.False(t, ok)
}

func TestParseStripsWhitespace(t *testing.T) {
	u, err := Parse(" ipbusudp-2.0://fpga01 :50001\n")
	require.NoError(t, err)
	assert.Equal(t, "fpga01", u.Hostname)
	assert.Equal(t, "50001", u.Port)
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{
		"no-separator",
		"://host",
		"1bad://host",
		"proto://host:port",
		"proto://host?novalue",
		"proto://host?k=1&k=2",
	} {
		_, err := Parse(raw)
		require.Error(t, err, "uri %q", raw)
		var perr *ParseError
		assert.ErrorAs(t, err, &perr, "uri %q", raw)
	}
}

func TestString(t *testing.T) {
	raw := "ipbusudp-2.0://fpga01:50001/table.xml?k=v"
	u, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, u.String())
}
