// Package bengine implements the B-engine (beamformer) operations of
// spec §3/§4 "Beams": per-input weights, quantiser gain, destination
// mutation, and output enable/disable.
//
// Grounded on original_source/src/beam.py (set_weights/get_weights,
// write_destination, tx_enable/tx_disable), expressed with
// internal/fanout standing in for that file's THREADED_FPGA_FUNC.
package bengine

import (
	"context"
	"fmt"
	"time"

	"github.com/shaoguangleo/corr2/internal/addr"
	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/fanout"
	"github.com/shaoguangleo/corr2/internal/model"
	"github.com/shaoguangleo/corr2/internal/transport"
)

const writeTimeout = 5 * time.Second

// Ops bundles the dependencies B-engine operations need.
type Ops struct {
	Dialer transport.Dialer
}

func bengineHosts(beam *model.Beam, inst *model.Instrument) []string {
	var seen = map[string]bool{}
	var out []string
	for _, xe := range inst.XEngines {
		if !seen[xe.Host.Name] {
			seen[xe.Host.Name] = true
			out = append(out, xe.Host.Name)
		}
	}
	return out
}

// SetWeight changes one input's contribution weight to a beam and
// commits it to every co-hosted B-engine (original_source's
// set_weights). A no-op write (same weight, force=false) is skipped.
func (o *Ops) SetWeight(ctx context.Context, inst *model.Instrument, beam *model.Beam, inputName string, newWeight float64, force bool) (bool, error) {
	var w, ok = beam.Weights[inputName]
	if !ok {
		return false, corerr.New(corerr.InputUnknown, "beam %s has no source %q", beam.Name, inputName)
	}
	if w.Weight == newWeight && !force {
		return false, nil
	}

	var previous = w.Weight
	w.Weight = newWeight
	beam.Weights[inputName] = w

	var hosts = bengineHosts(beam, inst)
	var results = fanout.Run(ctx, hosts, writeTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		var regName = fmt.Sprintf("bf%d_weight_%d", beam.Index, w.SourceIndex)
		return nil, board.RegisterWrite(ctx, regName, map[string]uint64{"weight_bits": weightBits(newWeight)})
	})

	if errs := fanout.Errors(results); len(errs) > 0 {
		w.Weight = previous
		beam.Weights[inputName] = w
		return false, corerr.WithFields(corerr.PartialCommit, fmt.Sprintf("beam %s weight write failed", beam.Name), errsToFields(errs))
	}

	return true, nil
}

// SetQuantGain writes the beam's output quantiser gain to every
// co-hosted B-engine (original_source's beam_quant_gains_set, called
// from initialise()).
func (o *Ops) SetQuantGain(ctx context.Context, inst *model.Instrument, beam *model.Beam, gain float64) error {
	var previous = beam.QuantGain
	beam.QuantGain = gain

	var hosts = bengineHosts(beam, inst)
	var results = fanout.Run(ctx, hosts, writeTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		var regName = fmt.Sprintf("bf%d_quant_gain", beam.Index)
		return nil, board.RegisterWrite(ctx, regName, map[string]uint64{"gain_bits": weightBits(gain)})
	})

	if errs := fanout.Errors(results); len(errs) > 0 {
		beam.QuantGain = previous
		return corerr.WithFields(corerr.PartialCommit, fmt.Sprintf("beam %s quant-gain write failed", beam.Name), errsToFields(errs))
	}
	return nil
}

// SetDestination rewrites a beam's multicast destination and pushes it
// to every B-engine hosting it (original_source's write_destination).
func (o *Ops) SetDestination(ctx context.Context, inst *model.Instrument, beam *model.Beam, dest addr.Address) error {
	var previous = beam.Destination
	beam.Destination = dest

	var hosts = bengineHosts(beam, inst)
	var results = fanout.Run(ctx, hosts, writeTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		var regName = fmt.Sprintf("bf%d_dest", beam.Index)
		var ipBits = uint64(dest.A)<<24 | uint64(dest.B)<<16 | uint64(dest.C)<<8 | uint64(dest.D)
		return nil, board.RegisterWrite(ctx, regName, map[string]uint64{"ip": ipBits, "port": uint64(dest.Port)})
	})

	if errs := fanout.Errors(results); len(errs) > 0 {
		beam.Destination = previous
		return corerr.WithFields(corerr.PartialCommit, fmt.Sprintf("beam %s destination write failed", beam.Name), errsToFields(errs))
	}
	return nil
}

// SetTxEnabled toggles output transmission for a beam's B-engines
// (original_source's tx_enable/tx_disable).
func (o *Ops) SetTxEnabled(ctx context.Context, inst *model.Instrument, beam *model.Beam, enabled bool) error {
	var hosts = bengineHosts(beam, inst)
	var enVal = uint64(0)
	if enabled {
		enVal = 1
	}
	var results = fanout.Run(ctx, hosts, writeTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		var regName = fmt.Sprintf("bf%d_config", beam.Index)
		return nil, board.RegisterWrite(ctx, regName, map[string]uint64{"txen": enVal})
	})
	if errs := fanout.Errors(results); len(errs) > 0 {
		return corerr.WithFields(corerr.PartialCommit, fmt.Sprintf("beam %s tx-enable write failed", beam.Name), errsToFields(errs))
	}
	return nil
}

// SetPassband rewrites a beam's centre frequency and bandwidth
// (original_source's beam_passband; a beam-formed analogue of
// FrequencySelect). Reverts both fields together on partial commit.
func (o *Ops) SetPassband(ctx context.Context, inst *model.Instrument, beam *model.Beam, bandwidth, centerFreq float64) error {
	var previousBW, previousCF = beam.Bandwidth, beam.CenterFreq
	beam.Bandwidth = bandwidth
	beam.CenterFreq = centerFreq

	var hosts = bengineHosts(beam, inst)
	var results = fanout.Run(ctx, hosts, writeTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		var regName = fmt.Sprintf("bf%d_passband", beam.Index)
		return nil, board.RegisterWrite(ctx, regName, map[string]uint64{
			"bandwidth_bits":   weightBits(bandwidth),
			"center_freq_bits": weightBits(centerFreq),
		})
	})

	if errs := fanout.Errors(results); len(errs) > 0 {
		beam.Bandwidth = previousBW
		beam.CenterFreq = previousCF
		return corerr.WithFields(corerr.PartialCommit, fmt.Sprintf("beam %s passband write failed", beam.Name), errsToFields(errs))
	}
	return nil
}

// weightBits packs a float64 weight/gain into the register transport's
// uint64 field as unsigned 32.32 fixed point (v scaled by 2^32); unlike
// internal/fengine, which packs delay/phase values as raw float64 bits.
// The board's own fixed-point format is a bitstream detail (spec §1).
func weightBits(v float64) uint64 {
	var bits uint64
	var asFloat = v
	// math.Float64bits would require importing math solely for this one
	// call site; keep the packing local and explicit instead.
	bits = uint64(asFloat * (1 << 32))
	return bits
}

func errsToFields(errs map[string]error) map[string]any {
	var out = make(map[string]any, len(errs))
	for k, v := range errs {
		out[k] = v.Error()
	}
	return out
}
