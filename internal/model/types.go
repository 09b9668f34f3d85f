// Package model holds the instrument's data model (spec §3) and the
// compiler that builds it from a parsed config.Document (spec §4.3).
//
// Grounded on the teacher's config.go struct-population pattern (read a
// section, populate a fixed struct, validate counts at the end) and on
// original_source/src/fxcorrelator.py's layout of fengine/xengine/beam
// objects referencing a shared host list.
package model

import (
	"fmt"

	"github.com/shaoguangleo/corr2/internal/addr"
)

// EngineKind distinguishes the three board roles (spec GLOSSARY).
type EngineKind int

const (
	KindF EngineKind = iota
	KindX
	KindB
)

func (k EngineKind) String() string {
	switch k {
	case KindF:
		return "F"
	case KindX:
		return "X"
	case KindB:
		return "B"
	default:
		return "?"
	}
}

// Host is a reconfigurable board (spec §3).
type Host struct {
	Name string
	// Registers is the set of register names this board's bitstream
	// exposes (spec §9 "Hardware capability detection"). Compile creates
	// it empty, and nothing in this repository fills it.
	Registers  map[string]bool
	Interfaces []string
}

// HasRegister reports whether this host's Registers set names the
// register. No code path in this repository calls it yet.
func (h *Host) HasRegister(name string) bool {
	return h.Registers[name]
}

// Engine is a logical processing unit at an integer offset on a host
// (spec §3).
type Engine struct {
	Kind   EngineKind
	Number int // globally unique within Kind
	Host   *Host
	Offset int // 0 ≤ Offset < per_fpga on Host
}

func (e *Engine) String() string {
	return fmt.Sprintf("%s%d@%s:%d", e.Kind, e.Number, e.Host.Name, e.Offset)
}

// EQKind tags which shape an Equaliser value carries (spec §9 "Dynamic
// typing of the equaliser argument").
type EQKind int

const (
	EQScalar EQKind = iota
	EQVector
	EQPolynomial
)

// Equaliser is the tagged value EQ = Scalar(c) | Vector([c]) |
// Polynomial([a0,a1,...]) from spec §9, normalised to a length-n_chans
// vector at write time by Expand.
type Equaliser struct {
	Kind     EQKind
	Scalar   complex128
	Vector   []complex128
	PolyCoef []float64
}

// Expand normalises any Equaliser shape to a length-nChans complex
// vector (spec §3 "Equaliser ... Expanded to channel-length at write
// time").
func (e Equaliser) Expand(nChans int) []complex128 {
	switch e.Kind {
	case EQScalar:
		var out = make([]complex128, nChans)
		for i := range out {
			out[i] = e.Scalar
		}
		return out
	case EQVector:
		var out = make([]complex128, nChans)
		copy(out, e.Vector)
		return out
	case EQPolynomial:
		var out = make([]complex128, nChans)
		for i := range out {
			var x = float64(i)
			var y = 0.0
			var xp = 1.0
			for _, coef := range e.PolyCoef {
				y += coef * xp
				xp *= x
			}
			out[i] = complex(y, 0)
		}
		return out
	default:
		return make([]complex128, nChans)
	}
}

// DelayModel is the per-input timed parameter set (spec §3).
type DelayModel struct {
	DelaySeconds    float64
	DelayRate       float64
	PhaseRadians    float64
	PhaseRate       float64
	LoadSampleCount int64 // -1 means "already applied, read-back only"
}

// Input is a named antenna polarisation owned by exactly one F-engine
// (spec §3).
type Input struct {
	Number     int // dense, 0-based
	Label      string
	Eq         Equaliser
	Delay      DelayModel
	FEngine    *Engine
	OffsetOnFE int // input_number mod f_per_fpga
}

// StreamCategory is one of the data-stream categories (spec §3).
type StreamCategory int

const (
	CategoryDigitiser StreamCategory = iota
	CategoryFChannelised
	CategoryXCrossProducts
	CategoryBeamFreqDomain
	CategoryBeamTimeDomain
)

// DataStream is a named, typed flow leaving the instrument (spec §3).
type DataStream struct {
	Name        string
	Category    StreamCategory
	Sources     []addr.Address
	Destination addr.Address
	Enabled     bool
}

// BeamWeight is one input's contribution to a beam (spec §3).
type BeamWeight struct {
	Weight      float64
	SourceIndex int // stable index from sorted source-name ordering
}

// Beam is a tied-array beam (spec §3).
type Beam struct {
	Index       int
	Name        string
	Destination addr.Address
	CenterFreq  float64
	Bandwidth   float64
	OutputBits  int
	QuantGain   float64
	Weights     map[string]BeamWeight // input name -> weight
	Engine      *Engine               // co-hosted B-engine
}

// Instrument is the fully compiled model (spec §3 "Lifecycle": built by
// Compile, then mutated in place by the F/X/B operation facades).
type Instrument struct {
	Name string

	Hosts map[string]*Host

	FEngines []*Engine
	XEngines []*Engine
	BEngines []*Engine

	Inputs []*Input // dense, ordered by input number

	FEngineOutput DataStream // range = num_xengines
	XEngineOutput DataStream

	Beams map[string]*Beam

	Streams map[string]*DataStream

	FPerFPGA            int
	XPerFPGA            int
	NChans              int
	SampleRateHz        float64
	XengAccumulationLen int
	AccTimeSeconds      float64
}

// InputByName finds an input by its current label.
func (in *Instrument) InputByName(name string) (*Input, bool) {
	for _, input := range in.Inputs {
		if input.Label == name {
			return input, true
		}
	}
	return nil, false
}

// NumXEngines is the number of X-engines, which is also the multicast
// range of the F-engine output stream (spec §3).
func (in *Instrument) NumXEngines() int {
	return len(in.XEngines)
}

// NumBEngines is the total number of B-engines across the fleet, the
// multicast range multiplier for each beam's destination (spec §3).
func (in *Instrument) NumBEngines() int {
	return len(in.BEngines)
}

// Labels returns the current input labels in input-number order.
func (in *Instrument) Labels() []string {
	var out = make([]string, len(in.Inputs))
	for i, input := range in.Inputs {
		out[i] = input.Label
	}
	return out
}
