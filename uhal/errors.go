package uhal

import "errors"

// Error kinds raised by the library. Wrapped errors carry context; test
// with errors.Is. Protocol-level kinds (validation and device-reported
// reply errors) live in package ipbus.
var (
	// ErrNoBranchFound reports a node path with a missing segment.
	ErrNoBranchFound = errors.New("uhal: no branch found")

	// ErrReadAccessDenied reports a read of a write-only node.
	ErrReadAccessDenied = errors.New("uhal: read access denied")

	// ErrWriteAccessDenied reports a write to a read-only node, or a
	// masked write to a node without full read-write permission.
	ErrWriteAccessDenied = errors.New("uhal: write access denied")

	// ErrBulkTransferOnSingleRegister reports a block operation on a
	// single register or any transfer on a purely hierarchical node.
	ErrBulkTransferOnSingleRegister = errors.New("uhal: bulk transfer on single register")

	// ErrBulkTransferRequestedTooLarge reports a block operation larger
	// than the node it addresses.
	ErrBulkTransferRequestedTooLarge = errors.New("uhal: bulk transfer request too large")

	// ErrBulkTransferOffsetOutOfRange reports a block offset beyond the
	// node's extent.
	ErrBulkTransferOffsetOutOfRange = errors.New("uhal: bulk transfer offset out of range")

	// ErrNonValidatedMemory reports observation of a deferred value that
	// is still pending or whose dispatch failed.
	ErrNonValidatedMemory = errors.New("uhal: non-validated memory")

	// ErrTimeout reports that a reply did not arrive within the client's
	// timeout period.
	ErrTimeout = errors.New("uhal: timeout awaiting reply")

	// ErrSocket reports a transport-level socket failure.
	ErrSocket = errors.New("uhal: socket error")

	// ErrTransportDead reports that recovery was abandoned after
	// MaxRetries consecutive status probes went unanswered. The client
	// cannot be used again.
	ErrTransportDead = errors.New("uhal: transport layer dead")

	// ErrUnknownProtocol reports a connection URI whose protocol token
	// names no known transport.
	ErrUnknownProtocol = errors.New("uhal: unknown protocol")
)
