package uhal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dummyConnections = "../xml/dummy_connections.xml"

func TestConnectionManager(t *testing.T) {
	cm, err := NewConnectionManager(dummyConnections)
	require.NoError(t, err)
	assert.Equal(t, []string{"dummy.udp2", "dummy.pcie2"}, cm.Devices())

	hw, err := cm.GetDevice("dummy.udp2")
	require.NoError(t, err)
	defer hw.Close()
	assert.Equal(t, "dummy.udp2", hw.ID())
	assert.Equal(t, "ipbusudp-2.0://localhost:50001", hw.URI())

	reg, err := hw.GetNode("REG")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1), reg.Node().Address())

	_, err = cm.GetDevice("nope")
	assert.Error(t, err)
}

func TestConnectionManagerFileURI(t *testing.T) {
	cm, err := NewConnectionManager("file://" + dummyConnections)
	require.NoError(t, err)
	assert.Len(t, cm.Devices(), 2)
}

func TestConnectionManagerSharesTables(t *testing.T) {
	cm, err := NewConnectionManager(dummyConnections)
	require.NoError(t, err)

	hw1, err := cm.GetDevice("dummy.udp2")
	require.NoError(t, err)
	defer hw1.Close()
	hw2, err := cm.GetDevice("dummy.udp2")
	require.NoError(t, err)
	defer hw2.Close()

	// Same address table file, one shared immutable tree.
	assert.Same(t, hw1.root, hw2.root)
	assert.NotSame(t, hw1.Client(), hw2.Client())
}

func TestConnectionManagerErrors(t *testing.T) {
	_, err := NewConnectionManager(filepath.Join(t.TempDir(), "absent.xml"))
	assert.Error(t, err)

	dir := t.TempDir()
	dup := filepath.Join(dir, "dup.xml")
	require.NoError(t, os.WriteFile(dup, []byte(`<connections>
		<connection id="a" uri="ipbusudp-2.0://h:1" address_table="file://t.xml"/>
		<connection id="a" uri="ipbusudp-2.0://h:2" address_table="file://t.xml"/>
	</connections>`), 0o644))
	_, err = NewConnectionManager(dup)
	assert.Error(t, err)

	missing := filepath.Join(dir, "missing.xml")
	require.NoError(t, os.WriteFile(missing, []byte(`<connections>
		<connection id="a" uri="ipbusudp-2.0://h:1" address_table="file://no_such_table.xml"/>
	</connections>`), 0o644))
	cm, err := NewConnectionManager(missing)
	require.NoError(t, err)
	_, err = cm.GetDevice("a")
	assert.Error(t, err, "missing address table surfaces at GetDevice")

	badproto := filepath.Join(dir, "proto.xml")
	require.NoError(t, os.WriteFile(badproto, []byte(`<connections>
		<connection id="a" uri="warp-9.0://h:1" address_table="file://t.xml"/>
	</connections>`), 0o644))
	cm, err = NewConnectionManager(badproto)
	require.NoError(t, err)
	_, err = cm.GetDevice("a")
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}
