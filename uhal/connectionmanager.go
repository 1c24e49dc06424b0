package uhal

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ConnectionManager loads a connection file, a list of (id, uri,
// address_table) triples, and builds HwInterfaces from it. Parsed address
// tables are cached by path so that devices sharing a map share one
// immutable tree; the cache is guarded so parallel GetDevice calls
// serialise only while parsing.
type ConnectionManager struct {
	path  string
	conns []connectionEntry

	mu     sync.Mutex
	tables map[string]*Node
}

type connectionEntry struct {
	ID      string `xml:"id,attr"`
	URI     string `xml:"uri,attr"`
	Address string `xml:"address_table,attr"`
}

type connectionFile struct {
	Conns []connectionEntry `xml:"connection"`
}

// NewConnectionManager loads a connection file named either by a plain
// path or a file:// URI.
func NewConnectionManager(source string) (*ConnectionManager, error) {
	path := strings.TrimPrefix(source, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "uhal: cannot read connection file")
	}
	var file connectionFile
	if err := xml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "uhal: cannot parse connection file %q", path)
	}
	seen := make(map[string]bool, len(file.Conns))
	for _, conn := range file.Conns {
		if seen[conn.ID] {
			return nil, errors.Errorf("uhal: duplicate connection id %q in %q", conn.ID, path)
		}
		seen[conn.ID] = true
	}
	return &ConnectionManager{
		path:   path,
		conns:  file.Conns,
		tables: make(map[string]*Node),
	}, nil
}

// Devices lists the connection ids in file order.
func (cm *ConnectionManager) Devices() []string {
	ids := make([]string, len(cm.conns))
	for i, conn := range cm.conns {
		ids[i] = conn.ID
	}
	return ids
}

// GetDevice builds the HwInterface for one connection id: a transport
// client from the connection URI plus the shared node tree from the
// address table. The client performs no IO until its first Dispatch.
func (cm *ConnectionManager) GetDevice(id string) (*HwInterface, error) {
	var entry *connectionEntry
	for i := range cm.conns {
		if cm.conns[i].ID == id {
			entry = &cm.conns[i]
			break
		}
	}
	if entry == nil {
		return nil, errors.Errorf("uhal: connection %q not found in %q", id, cm.path)
	}
	client, err := NewClient(entry.ID, entry.URI)
	if err != nil {
		return nil, err
	}
	root, err := cm.table(entry.Address)
	if err != nil {
		client.Close()
		return nil, err
	}
	return NewHwInterface(entry.ID, client, root), nil
}

func (cm *ConnectionManager) table(source string) (*Node, error) {
	path := strings.TrimPrefix(source, "file://")
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(cm.path), path)
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if root, ok := cm.tables[path]; ok {
		return root, nil
	}
	root, err := ParseAddressTable(path)
	if err != nil {
		return nil, err
	}
	cm.tables[path] = root
	return root, nil
}
