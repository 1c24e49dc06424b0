package uhal

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// NoMask selects the whole 32-bit word.
const NoMask = uint32(0xFFFFFFFF)

// Mode describes how a node maps onto bus transactions.
type Mode uint8

const (
	// Single is a plain register: one word at one address.
	Single Mode = iota
	// Incremental is a block at auto-incrementing addresses.
	Incremental
	// NonIncremental is block IO at a fixed address, e.g. a FIFO port.
	NonIncremental
	// Hierarchical is an interior grouping with no direct IO.
	Hierarchical
)

func (m Mode) String() string {
	switch m {
	case Single:
		return "single"
	case Incremental:
		return "incremental"
	case NonIncremental:
		return "non-incremental"
	case Hierarchical:
		return "hierarchical"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Permission is the access granted to a node, enforced at request time.
type Permission uint8

const (
	Read      Permission = 0x1
	Write     Permission = 0x2
	ReadWrite Permission = Read | Write
)

func (p Permission) String() string {
	switch p {
	case Read:
		return "r"
	case Write:
		return "w"
	case ReadWrite:
		return "rw"
	}
	return fmt.Sprintf("permission(%d)", uint8(p))
}

// Node is one named point in a device's address map: a register, a block
// or an interior grouping. Trees are built once from an address table and
// never mutated afterwards, so a single tree may be shared by every
// HwInterface using the same map. IO goes through the NodeView handles
// returned by HwInterface.GetNode, never through the Node itself.
type Node struct {
	id          string
	path        string
	address     uint32
	size        uint32
	mode        Mode
	mask        uint32
	permission  Permission
	tags        string
	description string
	module      string
	fwinfo      string
	parent      *Node
	children    []*Node
}

func (n *Node) ID() string             { return n.id }
func (n *Node) Path() string           { return n.path }
func (n *Node) Address() uint32        { return n.address }
func (n *Node) Size() uint32           { return n.size }
func (n *Node) Mode() Mode             { return n.mode }
func (n *Node) Mask() uint32           { return n.mask }
func (n *Node) Permission() Permission { return n.permission }
func (n *Node) Tags() string           { return n.tags }
func (n *Node) Description() string    { return n.description }
func (n *Node) Module() string         { return n.module }
func (n *Node) FWInfo() string         { return n.fwinfo }
func (n *Node) Parent() *Node          { return n.parent }

// Children returns the node's direct children in construction order.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

func (n *Node) String() string {
	return fmt.Sprintf("%s @0x%08x %v %v size=%d mask=0x%08x",
		n.path, n.address, n.mode, n.permission, n.size, n.mask)
}

// GetNode resolves a dotted, case-sensitive path relative to n.
func (n *Node) GetNode(path string) (*Node, error) {
	cur := n
	if path == "" {
		return cur, nil
	}
	for _, seg := range strings.Split(path, ".") {
		next := cur.child(seg)
		if next == nil {
			return nil, errors.Wrapf(ErrNoBranchFound, "%q has no branch %q (looking up %q)", cur.path, seg, path)
		}
		cur = next
	}
	return cur, nil
}

func (n *Node) child(id string) *Node {
	for _, c := range n.children {
		if c.id == id {
			return c
		}
	}
	return nil
}

// Nodes returns the fully qualified paths of every descendant in pre-order
// traversal, children in construction order.
func (n *Node) Nodes() []string {
	var out []string
	var walk func(*Node)
	walk = func(cur *Node) {
		for _, c := range cur.children {
			out = append(out, c.relativePath(n))
			walk(c)
		}
	}
	walk(n)
	return out
}

// NodesRegexp returns the subset of Nodes whose path matches the
// expression.
func (n *Node) NodesRegexp(expr string) ([]string, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "uhal: bad node regexp %q", expr)
	}
	var out []string
	for _, p := range n.Nodes() {
		if re.MatchString(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// relativePath strips the ancestor prefix so that lookups rooted below the
// tree root still return paths relative to the lookup root.
func (n *Node) relativePath(root *Node) string {
	if root.path == "" {
		return n.path
	}
	return strings.TrimPrefix(n.path, root.path+".")
}

// newNode is the tree constructor used by the address table parser. The
// address is absolute: the parser bakes ancestor offsets in at build time,
// nothing is re-derived at dispatch.
func newNode(parent *Node, id string, address uint32) *Node {
	n := &Node{
		id:         id,
		address:    address,
		size:       1,
		mode:       Single,
		mask:       NoMask,
		permission: ReadWrite,
		parent:     parent,
	}
	if parent != nil {
		if parent.path == "" {
			n.path = id
		} else {
			n.path = parent.path + "." + id
		}
		parent.children = append(parent.children, n)
	}
	return n
}
