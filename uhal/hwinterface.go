package uhal

import (
	"time"

	"github.com/pkg/errors"
)

// HwInterface combines one transport client with the node tree describing
// the device's address map. The tree is immutable and may be shared by
// several interfaces; everything per-device lives in the client.
type HwInterface struct {
	id     string
	client ClientInterface
	root   *Node
}

// NewHwInterface wires a client to a node tree. The interface owns the
// client; Close releases it.
func NewHwInterface(id string, client ClientInterface, root *Node) *HwInterface {
	return &HwInterface{id: id, client: client, root: root}
}

func (hw *HwInterface) ID() string              { return hw.id }
func (hw *HwInterface) URI() string             { return hw.client.URI() }
func (hw *HwInterface) Client() ClientInterface { return hw.client }
func (hw *HwInterface) Dispatch() error         { return hw.client.Dispatch() }
func (hw *HwInterface) Close() error            { return hw.client.Close() }

func (hw *HwInterface) SetTimeout(d time.Duration) { hw.client.SetTimeout(d) }
func (hw *HwInterface) Timeout() time.Duration     { return hw.client.Timeout() }

// GetNode resolves a dotted path and returns a view that routes the
// node's IO to this interface's client. The empty path names the root.
func (hw *HwInterface) GetNode(path string) (NodeView, error) {
	n, err := hw.root.GetNode(path)
	if err != nil {
		return NodeView{}, err
	}
	return NodeView{hw: hw, node: n}, nil
}

// Nodes returns the fully qualified paths of every node in the tree.
func (hw *HwInterface) Nodes() []string { return hw.root.Nodes() }

// NodesRegexp returns the node paths matching the expression.
func (hw *HwInterface) NodesRegexp(expr string) ([]string, error) {
	return hw.root.NodesRegexp(expr)
}

// NodeView is a handle pairing a node with the interface that owns the
// transport, the route from a leaf operation to the client's queue. Views
// are values; copying one is free and harmless.
type NodeView struct {
	hw   *HwInterface
	node *Node
}

// Node exposes the underlying address map entry.
func (v NodeView) Node() *Node { return v.node }

// GetNode resolves a path relative to this view's node.
func (v NodeView) GetNode(path string) (NodeView, error) {
	n, err := v.node.GetNode(path)
	if err != nil {
		return NodeView{}, err
	}
	return NodeView{hw: v.hw, node: n}, nil
}

// Read queues a read of the node's word. For a masked node the observed
// value is aligned: shifted so the mask's lowest set bit lands on bit 0.
func (v NodeView) Read() (ValWord, error) {
	n := v.node
	if n.mode == Hierarchical {
		return ValWord{}, errors.Wrapf(ErrBulkTransferOnSingleRegister, "read on hierarchical node %q", n.path)
	}
	if n.permission&Read == 0 {
		return ValWord{}, errors.Wrapf(ErrReadAccessDenied, "node %q is %v", n.path, n.permission)
	}
	w := v.hw.client.Read(n.address)
	if n.mask != NoMask {
		w.cell.mask = n.mask
		w.cell.shift = maskShift(n.mask)
	}
	return w, nil
}

// Write queues a write of the node's word. A masked node is updated with
// a read-modify-write against its mask, which requires full read-write
// permission; the value is pre-shifted into the masked field.
func (v NodeView) Write(value uint32) (ValWord, error) {
	n := v.node
	if n.mode == Hierarchical {
		return ValWord{}, errors.Wrapf(ErrBulkTransferOnSingleRegister, "write on hierarchical node %q", n.path)
	}
	if n.mask == NoMask {
		if n.permission&Write == 0 {
			return ValWord{}, errors.Wrapf(ErrWriteAccessDenied, "node %q is %v", n.path, n.permission)
		}
		return v.hw.client.Write(n.address, value), nil
	}
	if n.permission != ReadWrite {
		return ValWord{}, errors.Wrapf(ErrWriteAccessDenied, "masked write to %q needs rw permission, node is %v", n.path, n.permission)
	}
	shift := maskShift(n.mask)
	and := ^n.mask
	or := (value << shift) & n.mask
	return v.hw.client.RMWBits(n.address, and, or), nil
}

// ReadBlock queues a read of n words from a block node. Non-incremental
// nodes deliver every word from the same address.
func (v NodeView) ReadBlock(n uint32) (ValVector, error) {
	node := v.node
	if node.mode != Incremental && node.mode != NonIncremental {
		return ValVector{}, errors.Wrapf(ErrBulkTransferOnSingleRegister, "block read on %v node %q", node.mode, node.path)
	}
	if node.permission&Read == 0 {
		return ValVector{}, errors.Wrapf(ErrReadAccessDenied, "node %q is %v", node.path, node.permission)
	}
	if n > node.size {
		return ValVector{}, errors.Wrapf(ErrBulkTransferRequestedTooLarge, "%d words from node %q of size %d", n, node.path, node.size)
	}
	return v.hw.client.ReadBlock(node.address, n, node.mode == Incremental), nil
}

// ReadBlockAll reads the node's full extent.
func (v NodeView) ReadBlockAll() (ValVector, error) {
	return v.ReadBlock(v.node.size)
}

// ReadBlockOffset queues a read of n words starting offset words into an
// incremental block.
func (v NodeView) ReadBlockOffset(n, offset uint32) (ValVector, error) {
	node := v.node
	if node.mode != Incremental {
		if node.mode == NonIncremental {
			return ValVector{}, errors.Wrapf(ErrBulkTransferOffsetOutOfRange, "offset read on non-incremental node %q", node.path)
		}
		return ValVector{}, errors.Wrapf(ErrBulkTransferOnSingleRegister, "offset read on %v node %q", node.mode, node.path)
	}
	if node.permission&Read == 0 {
		return ValVector{}, errors.Wrapf(ErrReadAccessDenied, "node %q is %v", node.path, node.permission)
	}
	if offset >= node.size {
		return ValVector{}, errors.Wrapf(ErrBulkTransferOffsetOutOfRange, "offset %d in node %q of size %d", offset, node.path, node.size)
	}
	if n > node.size-offset {
		return ValVector{}, errors.Wrapf(ErrBulkTransferRequestedTooLarge, "%d words at offset %d from node %q of size %d", n, offset, node.path, node.size)
	}
	return v.hw.client.ReadBlock(node.address+offset, n, true), nil
}

// WriteBlock queues a write of the data to a block node.
func (v NodeView) WriteBlock(data []uint32) (ValWord, error) {
	node := v.node
	if node.mode != Incremental && node.mode != NonIncremental {
		return ValWord{}, errors.Wrapf(ErrBulkTransferOnSingleRegister, "block write on %v node %q", node.mode, node.path)
	}
	if node.permission&Write == 0 {
		return ValWord{}, errors.Wrapf(ErrWriteAccessDenied, "node %q is %v", node.path, node.permission)
	}
	if uint32(len(data)) > node.size {
		return ValWord{}, errors.Wrapf(ErrBulkTransferRequestedTooLarge, "%d words to node %q of size %d", len(data), node.path, node.size)
	}
	return v.hw.client.WriteBlock(node.address, data, node.mode == Incremental), nil
}
