// Package transport defines the board transport capability set (spec §6)
// that this coordinator treats as an external collaborator: register and
// memory access, snapshot capture, program/deprogram, and multicast
// subscription. The wire protocol and the FPGA bitstreams themselves are
// explicitly out of scope (spec §1); this package only states the
// interface the rest of the coordinator calls through.
package transport

import "context"

// Board is the per-host capability set (spec §6 "Board transport
// capability set"). Every cross-host action in this coordinator ends up
// calling one of these methods through internal/fanout.
type Board interface {
	RegisterRead(ctx context.Context, name string) (map[string]uint64, error)
	RegisterWrite(ctx context.Context, name string, fields map[string]uint64) error
	RegisterBulkWrite(ctx context.Context, name string, value uint32) error

	MemoryRead(ctx context.Context, name string, offset, nBytes int) ([]byte, error)

	SnapshotArm(ctx context.Context, name string, offset int, manValid bool) error
	SnapshotRead(ctx context.Context, name string) (map[string][]uint64, error)

	Program(ctx context.Context) error
	Deprogram(ctx context.Context) error
	GetSystemInformation(ctx context.Context) (map[string]bool, error) // register names present
	HostOkay(ctx context.Context) bool
	GetLocalTime(ctx context.Context) (uint64, error)

	SubscribeMulticast(ctx context.Context, interfaceName, groupIP string) error
}

// Dialer resolves a host name to its Board capability set. Production
// wiring looks this up from a connection pool keyed by hostname; tests
// substitute a map-backed Dialer (see transporttest).
type Dialer interface {
	Dial(ctx context.Context, host string) (Board, error)
}
