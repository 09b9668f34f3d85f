package fengine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoguangleo/corr2/internal/config"
	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/fengine"
	"github.com/shaoguangleo/corr2/internal/model"
	"github.com/shaoguangleo/corr2/internal/timebase"
	"github.com/shaoguangleo/corr2/internal/transport/transporttest"
)

func testInstrument(t *testing.T) *model.Instrument {
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
		XEngine: config.XEngineSection{
			XPerFPGA:            1,
			XengAccumulationLen: 256,
		},
		Hosts: config.HostsSection{
			FEngine: []string{"fhost0"},
			XEngine: []string{"xhost0"},
		},
	}
	var inst, err = model.Compile(doc)
	require.NoError(t, err)
	return inst
}

func testOps(fhost string, unreachable bool) (*fengine.Ops, *transporttest.FakeBoard) {
	var board = transporttest.NewFakeBoard()
	board.Unreachable = unreachable
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{fhost: board})

	var restoreNow = timebase.Now
	timebase.Now = func() float64 { return 1000.0 }
	_ = restoreNow

	return &fengine.Ops{Dialer: dialer, Time: timebase.Model{SampleRateHz: 1712000000, MinLoadLead: 1}}, board
}

func TestSetDelayRoundTrip(t *testing.T) {
	var ops, _ = testOps("fhost0", false)
	var inst = testInstrument(t)

	var rb, err = ops.SetDelay(context.Background(), inst, "ant0x", 1002, 1e-6, 0, 0, 0)
	require.NoError(t, err)

	var expected = 1e-6 * inst.SampleRateHz
	assert.LessOrEqual(t, rb.DelaySamples, expected)
	assert.Less(t, expected-rb.DelaySamples, 1.0)
}

func TestSetDelayUnknownInput(t *testing.T) {
	var ops, _ = testOps("fhost0", false)
	var inst = testInstrument(t)

	var _, err = ops.SetDelay(context.Background(), inst, "nope", 1002, 0, 0, 0, 0)
	require.Error(t, err)
	e, _ := corerr.As(err)
	assert.Equal(t, corerr.InputUnknown, e.Kind)
}

func TestSetDelayLoadTooSoon(t *testing.T) {
	var ops, _ = testOps("fhost0", false)
	var inst = testInstrument(t)

	var _, err = ops.SetDelay(context.Background(), inst, "ant0x", 1000.5, 0, 0, 0, 0)
	require.Error(t, err)
	e, _ := corerr.As(err)
	assert.Equal(t, corerr.LoadTooSoon, e.Kind)
}

func TestSetDelaysAllPartialCommit(t *testing.T) {
	var inst = testInstrument(t)

	var deadBoard = transporttest.NewFakeBoard()
	deadBoard.Unreachable = true
	var liveBoard = transporttest.NewFakeBoard()

	// Rehost input 1 onto a second, dead host to exercise the partial
	// commit path (spec §8 scenario 3).
	var deadHost = &model.Host{Name: "fhost-dead", Registers: map[string]bool{}}
	inst.Inputs[1].FEngine = &model.Engine{Kind: model.KindF, Number: 1, Host: deadHost, Offset: 0}

	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{
		"fhost0":     liveBoard,
		"fhost-dead": deadBoard,
	})

	timebase.Now = func() float64 { return 1000.0 }
	var ops = &fengine.Ops{Dialer: dialer, Time: timebase.Model{SampleRateHz: inst.SampleRateHz, MinLoadLead: 1}}

	var _, err = ops.SetDelaysAll(context.Background(), inst, 1002, []string{"0,0:0,0", "0,0:0,0"})
	require.Error(t, err)
	e, ok := corerr.As(err)
	require.True(t, ok)
	assert.Equal(t, corerr.DelayPartialCommit, e.Kind)
	assert.Contains(t, e.Fields["hosts"], "fhost-dead")
}

func TestSetEqRevertsOnFailure(t *testing.T) {
	var inst = testInstrument(t)
	var board = transporttest.NewFakeBoard()
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{"fhost0": board})
	var ops = &fengine.Ops{Dialer: dialer, Time: timebase.Model{SampleRateHz: inst.SampleRateHz, MinLoadLead: 1}}

	var original = inst.Inputs[0].Eq

	board.Unreachable = true
	var err = ops.SetEq(context.Background(), inst, "ant0x", model.Equaliser{Kind: model.EQScalar, Scalar: complex(100, 0)})
	require.Error(t, err)
	e, _ := corerr.As(err)
	assert.Equal(t, corerr.EqRevert, e.Kind)
	assert.Equal(t, original, inst.Inputs[0].Eq)
}

func TestSetEqSucceeds(t *testing.T) {
	var inst = testInstrument(t)
	var board = transporttest.NewFakeBoard()
	var dialer = transporttest.NewFakeDialer(map[string]*transporttest.FakeBoard{"fhost0": board})
	var ops = &fengine.Ops{Dialer: dialer, Time: timebase.Model{SampleRateHz: inst.SampleRateHz, MinLoadLead: 1}}

	var err = ops.SetEq(context.Background(), inst, "ant0x", model.Equaliser{Kind: model.EQScalar, Scalar: complex(300, 0)})
	require.NoError(t, err)
	assert.Equal(t, complex(300, 0), inst.Inputs[0].Eq.Scalar)
}

func TestSetLabelsUniqueAndCountPreserving(t *testing.T) {
	var inst = testInstrument(t)

	require.NoError(t, fengine.SetLabels(inst, []string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, inst.Labels())

	var err = fengine.SetLabels(inst, []string{"a", "a"})
	require.Error(t, err)
	// Labels are left unchanged after the rejected call (spec §8 scenario 2).
	assert.Equal(t, []string{"a", "b"}, inst.Labels())
}

func TestFrequencySelectClampsToNyquist(t *testing.T) {
	var inst = testInstrument(t)
	assert.Equal(t, inst.SampleRateHz/2, fengine.FrequencySelect(inst, 999))
	assert.Equal(t, inst.SampleRateHz/2, fengine.FrequencySelect(inst, 1))
}
