// Package transporttest provides an in-memory transport.Board double for
// exercising the fan-out-driven protocols (delay commit, equaliser and
// beam writes, sensor polling) without a real board transport.
//
// Grounded on the teacher's test style of small hand-rolled fakes rather
// than a mocking framework (see testutils.go in the teacher, which backs
// tests with plain structs), adapted here to transport.Board.
package transporttest

import (
	"context"
	"sync"

	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/transport"
)

// FakeBoard is a register file behind a mutex, good enough for register
// writes/readbacks and capability detection. It does not advance the
// VACC arm/load counters on its own, so it cannot simulate the VACC
// handshake.
type FakeBoard struct {
	mu sync.Mutex

	Registers map[string]map[string]uint64
	Snapshots map[string]map[string][]uint64

	// Unreachable makes every call fail as a board_transport error, to
	// simulate a disconnected host (spec §8 scenario 3).
	Unreachable bool

	// RegisterNames is the capability set reported by
	// GetSystemInformation (spec §9 "Hardware capability detection").
	RegisterNames map[string]bool

	Programmed bool
	LocalTime  uint64
}

// NewFakeBoard returns a board with an empty register file.
func NewFakeBoard() *FakeBoard {
	return &FakeBoard{
		Registers:     map[string]map[string]uint64{},
		Snapshots:     map[string]map[string][]uint64{},
		RegisterNames: map[string]bool{},
	}
}

func (b *FakeBoard) checkReachable() error {
	if b.Unreachable {
		return corerr.New(corerr.BoardTransport, "host unreachable")
	}
	return nil
}

func (b *FakeBoard) RegisterRead(ctx context.Context, name string) (map[string]uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkReachable(); err != nil {
		return nil, err
	}
	var fields, ok = b.Registers[name]
	if !ok {
		return nil, corerr.New(corerr.Unsupported, "register %s not present", name)
	}
	var out = make(map[string]uint64, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (b *FakeBoard) RegisterWrite(ctx context.Context, name string, fields map[string]uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkReachable(); err != nil {
		return err
	}
	if b.Registers[name] == nil {
		b.Registers[name] = map[string]uint64{}
	}
	for k, v := range fields {
		b.Registers[name][k] = v
	}
	return nil
}

func (b *FakeBoard) RegisterBulkWrite(ctx context.Context, name string, value uint32) error {
	return b.RegisterWrite(ctx, name, map[string]uint64{"value": uint64(value)})
}

func (b *FakeBoard) MemoryRead(ctx context.Context, name string, offset, nBytes int) ([]byte, error) {
	if err := b.checkReachable(); err != nil {
		return nil, err
	}
	return make([]byte, nBytes), nil
}

func (b *FakeBoard) SnapshotArm(ctx context.Context, name string, offset int, manValid bool) error {
	return b.checkReachable()
}

func (b *FakeBoard) SnapshotRead(ctx context.Context, name string) (map[string][]uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkReachable(); err != nil {
		return nil, err
	}
	return b.Snapshots[name], nil
}

func (b *FakeBoard) Program(ctx context.Context) error {
	if err := b.checkReachable(); err != nil {
		return err
	}
	b.Programmed = true
	return nil
}

func (b *FakeBoard) Deprogram(ctx context.Context) error {
	if err := b.checkReachable(); err != nil {
		return err
	}
	b.Programmed = false
	return nil
}

func (b *FakeBoard) GetSystemInformation(ctx context.Context) (map[string]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkReachable(); err != nil {
		return nil, err
	}
	var out = make(map[string]bool, len(b.RegisterNames))
	for k, v := range b.RegisterNames {
		out[k] = v
	}
	return out, nil
}

func (b *FakeBoard) HostOkay(ctx context.Context) bool {
	return !b.Unreachable
}

func (b *FakeBoard) GetLocalTime(ctx context.Context) (uint64, error) {
	if err := b.checkReachable(); err != nil {
		return 0, err
	}
	return b.LocalTime, nil
}

func (b *FakeBoard) SubscribeMulticast(ctx context.Context, interfaceName, groupIP string) error {
	return b.checkReachable()
}

// Set is a test-only convenience for pre-seeding a register field.
func (b *FakeBoard) Set(register, field string, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Registers[register] == nil {
		b.Registers[register] = map[string]uint64{}
	}
	b.Registers[register][field] = value
}

// Get is a test-only convenience for reading a register field.
func (b *FakeBoard) Get(register, field string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Registers[register][field]
}

// FakeDialer resolves host names to pre-registered FakeBoards.
type FakeDialer struct {
	mu     sync.Mutex
	Boards map[string]*FakeBoard
}

// NewFakeDialer builds a dialer over the given host->board map.
func NewFakeDialer(boards map[string]*FakeBoard) *FakeDialer {
	return &FakeDialer{Boards: boards}
}

func (d *FakeDialer) Dial(ctx context.Context, host string) (transport.Board, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b, ok = d.Boards[host]
	if !ok {
		return nil, corerr.New(corerr.BoardTransport, "no such host %s", host)
	}
	return b, nil
}
