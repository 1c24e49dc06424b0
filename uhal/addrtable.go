package uhal

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Address table parsing. A table is a recursive XML description of the
// device's register map:
//
//	<node id="TOP">
//	  <node id="REG" address="0x1" permission="rw" tags="test"/>
//	  <node id="MEM" address="0x100000" mode="incremental" size="0x40000"/>
//	  <node id="SUB" address="0x200000" module="file://sub.xml"/>
//	</node>
//
// Addresses are offsets relative to the parent; the absolute address is
// baked into each node at build time. A module attribute grafts another
// table's root children under the node, shifted by the node's address.
// Children without tags inherit the parent's.

type xmlNode struct {
	ID          string    `xml:"id,attr"`
	Address     string    `xml:"address,attr"`
	Mask        string    `xml:"mask,attr"`
	Permission  string    `xml:"permission,attr"`
	Mode        string    `xml:"mode,attr"`
	Size        string    `xml:"size,attr"`
	Tags        string    `xml:"tags,attr"`
	Description string    `xml:"description,attr"`
	Module      string    `xml:"module,attr"`
	FWInfo      string    `xml:"fwinfo,attr"`
	Children    []xmlNode `xml:"node"`
}

// ParseAddressTable loads an address table file and builds the immutable
// node tree. The returned root is anonymous; its children are the file's
// top-level registers.
func ParseAddressTable(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "uhal: cannot read address table")
	}
	var top xmlNode
	if err := xml.Unmarshal(data, &top); err != nil {
		return nil, errors.Wrapf(err, "uhal: cannot parse address table %q", path)
	}
	root := newNode(nil, "", 0)
	root.mode = Hierarchical
	if err := buildChildren(root, top.Children, filepath.Dir(path), top.Tags); err != nil {
		return nil, errors.Wrapf(err, "uhal: address table %q", path)
	}
	return root, nil
}

func buildChildren(parent *Node, xs []xmlNode, dir, inheritedTags string) error {
	seen := make(map[string]bool, len(xs))
	for _, x := range xs {
		if x.ID == "" {
			return errors.Errorf("node under %q has no id", parent.path)
		}
		if seen[x.ID] {
			return errors.Errorf("duplicate node id %q under %q", x.ID, parent.path)
		}
		seen[x.ID] = true
		if err := buildNode(parent, x, dir, inheritedTags); err != nil {
			return err
		}
	}
	return nil
}

func buildNode(parent *Node, x xmlNode, dir, inheritedTags string) error {
	offset, err := parseWord(x.Address, 0)
	if err != nil {
		return errors.Errorf("node %q: bad address %q", x.ID, x.Address)
	}
	n := newNode(parent, x.ID, parent.address+offset)
	n.description = x.Description
	n.fwinfo = x.FWInfo
	n.module = x.Module
	n.tags = x.Tags
	if n.tags == "" {
		n.tags = inheritedTags
	}

	if n.mask, err = parseWord(x.Mask, NoMask); err != nil {
		return errors.Errorf("node %q: bad mask %q", n.path, x.Mask)
	}
	if n.size, err = parseWord(x.Size, 1); err != nil {
		return errors.Errorf("node %q: bad size %q", n.path, x.Size)
	}
	if n.permission, err = parsePermission(x.Permission); err != nil {
		return errors.Wrapf(err, "node %q", n.path)
	}

	interior := len(x.Children) > 0 || x.Module != ""
	if n.mode, err = parseMode(x.Mode, interior); err != nil {
		return errors.Wrapf(err, "node %q", n.path)
	}
	switch n.mode {
	case Single:
		if n.size != 1 {
			return errors.Errorf("node %q: single register with size %d", n.path, n.size)
		}
	case Incremental, NonIncremental:
		if n.mask != NoMask {
			return errors.Errorf("node %q: block node cannot carry a mask", n.path)
		}
		if n.size < 1 {
			return errors.Errorf("node %q: block node with size 0", n.path)
		}
	}

	if x.Module != "" {
		sub := strings.TrimPrefix(x.Module, "file://")
		subpath := filepath.Join(dir, sub)
		data, err := os.ReadFile(subpath)
		if err != nil {
			return errors.Wrapf(err, "node %q: cannot read module table", n.path)
		}
		var top xmlNode
		if err := xml.Unmarshal(data, &top); err != nil {
			return errors.Wrapf(err, "node %q: cannot parse module table %q", n.path, subpath)
		}
		return buildChildren(n, top.Children, filepath.Dir(subpath), n.tags)
	}
	return buildChildren(n, x.Children, dir, n.tags)
}

func parseWord(s string, def uint32) (uint32, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func parsePermission(s string) (Permission, error) {
	switch s {
	case "", "rw":
		return ReadWrite, nil
	case "r":
		return Read, nil
	case "w":
		return Write, nil
	}
	return 0, errors.Errorf("bad permission %q", s)
}

func parseMode(s string, interior bool) (Mode, error) {
	switch s {
	case "":
		if interior {
			return Hierarchical, nil
		}
		return Single, nil
	case "single":
		return Single, nil
	case "incremental", "block":
		return Incremental, nil
	case "non-incremental", "port":
		return NonIncremental, nil
	case "hierarchical":
		return Hierarchical, nil
	}
	return 0, errors.Errorf("bad mode %q", s)
}
