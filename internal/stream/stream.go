// Package stream implements the data-stream registry of spec §3/§4:
// named, typed flows leaving the instrument, their destination mutation,
// enable/disable, and metadata (re-)emission on change, on demand, and
// on a periodic cadence.
//
// Grounded on original_source/src/data_stream.py's DataStream/
// DataMetaStream split (destination_cb fired on change, tx_enable/
// tx_disable, a standalone meta_transmit/meta_issue pair) and on the
// teacher's dns_sd.go "announce once, then keep responding" shape for
// what "periodic re-announcement" looks like in Go. The SPEAD wire
// encoding itself is out of scope (spec §1); Emitter stands in for it.
package stream

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/shaoguangleo/corr2/internal/addr"
	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/model"
)

// Emitter sends one metadata heap for a named stream to one destination
// IP. Production wiring uses UDPEmitter, which sends one bare UDP
// datagram per destination; tests substitute a recording fake. emit calls this once per IP enumerated out of a
// stream's destination range (spec §8 scenario 5: "one heap per
// destination IP in the group range"), never once per stream regardless
// of range.
type Emitter interface {
	EmitMetadata(ctx context.Context, streamName string, dest net.IP, port int) error
}

// Registry tracks every named DataStream and runs the periodic
// metadata-emission cadence for each (spec §6 "Metadata wire format").
type Registry struct {
	mu      sync.Mutex
	streams map[string]*model.DataStream
	emitter Emitter

	cadence time.Duration
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRegistry builds a registry seeded from the compiled instrument's
// stream set.
func NewRegistry(inst *model.Instrument, emitter Emitter, cadence time.Duration) *Registry {
	var streams = make(map[string]*model.DataStream, len(inst.Streams))
	for name, ds := range inst.Streams {
		streams[name] = ds
	}
	return &Registry{streams: streams, emitter: emitter, cadence: cadence}
}

// Get looks up a stream by name.
func (r *Registry) Get(name string) (*model.DataStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ds, ok = r.streams[name]
	if !ok {
		return nil, corerr.New(corerr.StreamUnknown, "no such stream %q", name)
	}
	return ds, nil
}

// List returns every stream name, for capture-list-style verbs.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out = make([]string, 0, len(r.streams))
	for name := range r.streams {
		out = append(out, name)
	}
	return out
}

// SetDestination mutates a stream's destination and emits metadata once
// the change has taken effect (original_source's set_destination: no-op
// if unchanged, otherwise mutate then fire the destination callback).
func (r *Registry) SetDestination(ctx context.Context, name string, dest model.DataStream) error {
	var ds, err = r.Get(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if ds.Destination.Equal(dest.Destination) {
		r.mu.Unlock()
		return nil
	}
	ds.Destination = dest.Destination
	r.mu.Unlock()

	return r.emit(ctx, name)
}

// SetEnabled toggles transmission for a stream (original_source's
// tx_enable/tx_disable).
func (r *Registry) SetEnabled(name string, enabled bool) error {
	var ds, err = r.Get(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	ds.Enabled = enabled
	r.mu.Unlock()
	return nil
}

// EmitNow sends metadata for one stream immediately (the control
// surface's capture-meta verb).
func (r *Registry) EmitNow(ctx context.Context, name string) error {
	if _, err := r.Get(name); err != nil {
		return err
	}
	return r.emit(ctx, name)
}

// emit sends one metadata heap per destination IP in the stream's group
// range (spec §8 scenario 5), not a single call regardless of range.
func (r *Registry) emit(ctx context.Context, name string) error {
	if r.emitter == nil {
		return nil
	}
	var ds, err = r.Get(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	var dest = ds.Destination
	r.mu.Unlock()

	var ips, enumErr = addr.Enumerate(dest)
	if enumErr != nil {
		return enumErr
	}
	for _, ip := range ips {
		if emitErr := r.emitter.EmitMetadata(ctx, name, ip, dest.Port); emitErr != nil {
			return emitErr
		}
	}
	return nil
}

// StartPeriodicEmission re-sends metadata for every enabled stream every
// cadence, until Stop is called. A cadence of zero disables periodic
// emission entirely (spec §6: "0 disables").
func (r *Registry) StartPeriodicEmission(ctx context.Context) {
	if r.cadence <= 0 || r.emitter == nil {
		return
	}
	var loopCtx, cancel = context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		var ticker = time.NewTicker(r.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.emitAllEnabled(loopCtx)
			}
		}
	}()
}

func (r *Registry) emitAllEnabled(ctx context.Context) {
	r.mu.Lock()
	var names = make([]string, 0, len(r.streams))
	for name, ds := range r.streams {
		if ds.Enabled {
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	for _, name := range names {
		// Best-effort: a single stream's metadata failure does not stop
		// the cadence for the rest (spec §5 "periodic callbacks do not
		// abort the event loop on error").
		_ = r.emit(ctx, name)
	}
}

// Stop halts the periodic emission goroutine, if one was started, and
// waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
