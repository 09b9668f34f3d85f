package stream_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoguangleo/corr2/internal/addr"
	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/model"
	"github.com/shaoguangleo/corr2/internal/stream"
)

type recordingEmitter struct {
	mu    sync.Mutex
	calls []string
	ips   []net.IP
}

func (e *recordingEmitter) EmitMetadata(ctx context.Context, streamName string, dest net.IP, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, streamName)
	e.ips = append(e.ips, dest)
	return nil
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func testInstrument() *model.Instrument {
	var dest, _ = addr.Parse("239.1.0.0:7140")
	return &model.Instrument{
		Streams: map[string]*model.DataStream{
			"antenna-channelised-voltage": {Name: "antenna-channelised-voltage", Category: model.CategoryFChannelised, Destination: dest, Enabled: true},
		},
	}
}

func TestSetDestinationEmitsOnChange(t *testing.T) {
	var inst = testInstrument()
	var emitter = &recordingEmitter{}
	var reg = stream.NewRegistry(inst, emitter, 0)

	var newDest, _ = addr.Parse("239.2.0.0:7141")
	require.NoError(t, reg.SetDestination(context.Background(), "antenna-channelised-voltage", model.DataStream{Destination: newDest}))
	assert.Equal(t, 1, emitter.count())

	var ds, err = reg.Get("antenna-channelised-voltage")
	require.NoError(t, err)
	assert.Equal(t, newDest, ds.Destination)
}

func TestSetDestinationNoOpSkipsEmit(t *testing.T) {
	var inst = testInstrument()
	var emitter = &recordingEmitter{}
	var reg = stream.NewRegistry(inst, emitter, 0)

	var sameDest, _ = addr.Parse("239.1.0.0:7140")
	require.NoError(t, reg.SetDestination(context.Background(), "antenna-channelised-voltage", model.DataStream{Destination: sameDest}))
	assert.Equal(t, 0, emitter.count())
}

func TestSetDestinationUnknownStream(t *testing.T) {
	var inst = testInstrument()
	var reg = stream.NewRegistry(inst, &recordingEmitter{}, 0)

	var dest, _ = addr.Parse("239.2.0.0:7141")
	var err = reg.SetDestination(context.Background(), "nope", model.DataStream{Destination: dest})
	require.Error(t, err)
	e, _ := corerr.As(err)
	assert.Equal(t, corerr.StreamUnknown, e.Kind)
}

func TestEmitNowAndSetEnabled(t *testing.T) {
	var inst = testInstrument()
	var emitter = &recordingEmitter{}
	var reg = stream.NewRegistry(inst, emitter, 0)

	require.NoError(t, reg.EmitNow(context.Background(), "antenna-channelised-voltage"))
	assert.Equal(t, 1, emitter.count())

	require.NoError(t, reg.SetEnabled("antenna-channelised-voltage", false))
	var ds, _ = reg.Get("antenna-channelised-voltage")
	assert.False(t, ds.Enabled)
}

func TestPeriodicEmissionFiresAndStops(t *testing.T) {
	var inst = testInstrument()
	var emitter = &recordingEmitter{}
	var reg = stream.NewRegistry(inst, emitter, 10*time.Millisecond)

	reg.StartPeriodicEmission(context.Background())
	time.Sleep(45 * time.Millisecond)
	reg.Stop()

	assert.GreaterOrEqual(t, emitter.count(), 3)
}

func TestPeriodicEmissionDisabledAtZeroCadence(t *testing.T) {
	var inst = testInstrument()
	var emitter = &recordingEmitter{}
	var reg = stream.NewRegistry(inst, emitter, 0)

	reg.StartPeriodicEmission(context.Background())
	time.Sleep(20 * time.Millisecond)
	reg.Stop()

	assert.Equal(t, 0, emitter.count())
}

func TestEmitNowSendsOneHeapPerDestinationIP(t *testing.T) {
	var dest, _ = addr.Parse("239.1.0.0+2:7140")
	var inst = &model.Instrument{
		Streams: map[string]*model.DataStream{
			"antenna-channelised-voltage": {Name: "antenna-channelised-voltage", Category: model.CategoryFChannelised, Destination: dest, Enabled: true},
		},
	}
	var emitter = &recordingEmitter{}
	var reg = stream.NewRegistry(inst, emitter, 0)

	require.NoError(t, reg.EmitNow(context.Background(), "antenna-channelised-voltage"))
	assert.Equal(t, 3, emitter.count())
	assert.Equal(t, []net.IP{net.IPv4(239, 1, 0, 0), net.IPv4(239, 1, 0, 1), net.IPv4(239, 1, 0, 2)}, emitter.ips)
}

func TestListReturnsAllStreamNames(t *testing.T) {
	var inst = testInstrument()
	var reg = stream.NewRegistry(inst, &recordingEmitter{}, 0)
	assert.ElementsMatch(t, []string{"antenna-channelised-voltage"}, reg.List())
}
