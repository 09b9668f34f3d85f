package bengine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoguangleo/corr2/internal/addr"
	"github.com/shaoguangleo/corr2/internal/bengine"
	"github.com/shaoguangleo/corr2/internal/config"
	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/model"
	"github.com/shaoguangleo/corr2/internal/transport/transporttest"
)

func testInstrumentWithBeam(t *testing.T) *model.Instrument {
	t.Helper()
	var doc = &config.Document{
		FEngine: config.FEngineSection{
			NChans:              4096,
			SampleRateHz:        1712000000,
			FPerFPGA:            2,
			DestinationMcastIPs: "239.10.0.0:7148",
			InputDestinations: map[string]string{
				"0": "239.1.0.0:7140",
				"1": "239.1.0.0:7140",
			},
		},
		XEngine: config.XEngineSection{XPerFPGA: 1, XengAccumulationLen: 256},
		Hosts: config.HostsSection{
			FEngine: []string{"fhost0"},
			XEngine: []string{"xhost0"},
		},
		Beams: map[string]config.Beam{
			"beam0": {
				StreamIndex:   0,
				CenterFreq:    856e6,
				Bandwidth:     856e6,
				OutputBits:    8,
				QuantGain:     1.0,
				Destination:   "239.20.0.0:7150",
				SourceWeights: map[string]float64{"ant0x": 1.0, "ant0y": 0.5},
			},
		},
	}
	var inst, err = model.Compile(doc)
	require.NoError(t, err)
	return inst
}

func TestSetWeightCommitsAndSkipsNoOp(t *testing.T) {
	var inst = testInstrumentWithBeam(t)
	var beam = inst.Beams["beam0"]
	var board = transporttest.NewFakeBoard()
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{"xhost0": board})
	var ops = &bengine.Ops{Dialer: dialer}

	var changed, err = ops.SetWeight(context.Background(), inst, beam, "ant0x", 2.0, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2.0, beam.Weights["ant0x"].Weight)

	changed, err = ops.SetWeight(context.Background(), inst, beam, "ant0x", 2.0, false)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSetWeightUnknownInput(t *testing.T) {
	var inst = testInstrumentWithBeam(t)
	var beam = inst.Beams["beam0"]
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{"xhost0": transporttest.NewFakeBoard()})
	var ops = &bengine.Ops{Dialer: dialer}

	var _, err = ops.SetWeight(context.Background(), inst, beam, "nope", 1.0, false)
	require.Error(t, err)
	e, _ := corerr.As(err)
	assert.Equal(t, corerr.InputUnknown, e.Kind)
}

func TestSetWeightRevertsOnFailure(t *testing.T) {
	var inst = testInstrumentWithBeam(t)
	var beam = inst.Beams["beam0"]
	var board = transporttest.NewFakeBoard()
	board.Unreachable = true
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{"xhost0": board})
	var ops = &bengine.Ops{Dialer: dialer}

	var original = beam.Weights["ant0x"].Weight
	var _, err = ops.SetWeight(context.Background(), inst, beam, "ant0x", 9.0, false)
	require.Error(t, err)
	assert.Equal(t, original, beam.Weights["ant0x"].Weight)
}

func TestSetDestinationUpdatesAddress(t *testing.T) {
	var inst = testInstrumentWithBeam(t)
	var beam = inst.Beams["beam0"]
	var board = transporttest.NewFakeBoard()
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{"xhost0": board})
	var ops = &bengine.Ops{Dialer: dialer}

	var newDest, parseErr = addr.Parse("239.30.0.0:7151")
	require.NoError(t, parseErr)

	require.NoError(t, ops.SetDestination(context.Background(), inst, beam, newDest))
	assert.Equal(t, newDest, beam.Destination)
}

func TestSetTxEnabled(t *testing.T) {
	var inst = testInstrumentWithBeam(t)
	var beam = inst.Beams["beam0"]
	var board = transporttest.NewFakeBoard()
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{"xhost0": board})
	var ops = &bengine.Ops{Dialer: dialer}

	require.NoError(t, ops.SetTxEnabled(context.Background(), inst, beam, true))
	assert.Equal(t, uint64(1), board.Get("bf0_config", "txen"))

	require.NoError(t, ops.SetTxEnabled(context.Background(), inst, beam, false))
	assert.Equal(t, uint64(0), board.Get("bf0_config", "txen"))
}

func TestSetQuantGain(t *testing.T) {
	var inst = testInstrumentWithBeam(t)
	var beam = inst.Beams["beam0"]
	var board = transporttest.NewFakeBoard()
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{"xhost0": board})
	var ops = &bengine.Ops{Dialer: dialer}

	require.NoError(t, ops.SetQuantGain(context.Background(), inst, beam, 1.4))
	assert.Equal(t, 1.4, beam.QuantGain)
}
