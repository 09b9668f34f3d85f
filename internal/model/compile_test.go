package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoguangleo/corr2/internal/config"
	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/model"
)

func baseDoc() *config.Document {
	return &config.Document{
		Instrument: "test_instrument",
		FEngine: config.FEngineSection{
			NChans:              4096,
			SampleRateHz:        1712000000,
			FPerFPGA:            2,
			DestinationMcastIPs: "239.10.0.0:7148",
			InputDestinations: map[string]string{
				"0": "239.1.0.0:7140",
				"1": "239.1.0.0:7140",
				"2": "239.1.0.1:7140",
				"3": "239.1.0.1:7140",
			},
			MinLoadLead:   0.5,
			JitterAllowed: 0.1,
		},
		XEngine: config.XEngineSection{
			XPerFPGA:            1,
			XengAccumulationLen: 256,
			OutputDestinationIP: "239.20.0.0",
			OutputDestinationPort: 8000,
		},
		Hosts: config.HostsSection{
			FEngine: []string{"fhost0", "fhost1"},
			XEngine: []string{"xhost0", "xhost1"},
		},
	}
}

func TestCompileBasic(t *testing.T) {
	var doc = baseDoc()
	var inst, err = model.Compile(doc)
	require.NoError(t, err)

	assert.Len(t, inst.FEngines, 2)
	assert.Len(t, inst.XEngines, 2)
	assert.Len(t, inst.Inputs, 4)
	assert.Equal(t, 2, inst.NumXEngines())
	assert.Equal(t, []string{"ant0x", "ant0y", "ant1x", "ant1y"}, inst.Labels())

	// F-engine output range = num_xengines (spec §4.3 step 4).
	assert.Equal(t, 2, inst.FEngineOutput.Destination.Range())
}

func TestCompileRejectsMismatchedInputCount(t *testing.T) {
	var doc = baseDoc()
	doc.FEngine.FPerFPGA = 3 // 4 inputs not divisible by 3
	var _, err = model.Compile(doc)
	require.Error(t, err)
	e, _ := corerr.As(err)
	assert.Equal(t, corerr.ConfigError, e.Kind)
}

func TestCompileRejectsDuplicateLabels(t *testing.T) {
	var doc = baseDoc()
	doc.FEngine.InputLabels = []string{"a", "a", "b", "c"}
	var _, err = model.Compile(doc)
	require.Error(t, err)
	e, _ := corerr.As(err)
	assert.Equal(t, corerr.ConfigError, e.Kind)
}

func TestCompileRejectsMismatchedStreamRange(t *testing.T) {
	var doc = baseDoc()
	doc.FEngine.InputDestinations["3"] = "239.1.0.1+1:7140" // range 2, others are range 1
	var _, err = model.Compile(doc)
	require.Error(t, err)
}

func TestCompileBeams(t *testing.T) {
	var doc = baseDoc()
	doc.Beams = map[string]config.Beam{
		"beam0": {
			StreamIndex: 0,
			CenterFreq:  1000000,
			Bandwidth:   800000000,
			OutputBits:  8,
			QuantGain:   1.0,
			Destination: "239.30.0.0:8001",
			SourceWeights: map[string]float64{
				"ant0x": 1.0,
				"ant1x": 0.5,
			},
		},
	}

	var inst, err = model.Compile(doc)
	require.NoError(t, err)
	require.Contains(t, inst.Beams, "beam0")

	var b = inst.Beams["beam0"]
	assert.Equal(t, inst.NumBEngines()-1, b.Destination.N)
	assert.Len(t, b.Weights, 2)

	// Source indices are stable, sorted order (spec §4.3 step 5).
	assert.Equal(t, 0, b.Weights["ant0x"].SourceIndex)
	assert.Equal(t, 1, b.Weights["ant1x"].SourceIndex)
}

func TestCompileDefaultLabelsWhenAbsent(t *testing.T) {
	var doc = baseDoc()
	var inst, err = model.Compile(doc)
	require.NoError(t, err)
	assert.Equal(t, "ant0x", inst.Inputs[0].Label)
	assert.Equal(t, "ant1y", inst.Inputs[3].Label)
}

func TestEqualiserExpandScalar(t *testing.T) {
	var eq = model.Equaliser{Kind: model.EQScalar, Scalar: complex(42, 0)}
	var v = eq.Expand(8)
	require.Len(t, v, 8)
	for _, c := range v {
		assert.Equal(t, complex(42, 0), c)
	}
}

func TestEqualiserExpandPolynomial(t *testing.T) {
	var eq = model.Equaliser{Kind: model.EQPolynomial, PolyCoef: []float64{1, 2}} // y = 1 + 2x
	var v = eq.Expand(3)
	require.Len(t, v, 3)
	assert.Equal(t, complex(1, 0), v[0])
	assert.Equal(t, complex(3, 0), v[1])
	assert.Equal(t, complex(5, 0), v[2])
}
