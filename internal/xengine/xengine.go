// Package xengine implements the X-engine operations and VACC
// synchronisation protocol of spec §4.4 — the hardest part of this
// coordinator: bringing every X-engine's vector accumulator onto the
// same integration boundary in the presence of free-running hardware
// counters.
//
// Grounded on original_source/src/fxcorrelator_xengops.py step-for-step
// (pre-check/reset, load-time broadcast, arm, wait, verify, flush,
// steady-state check), expressed with internal/fanout standing in for
// the original's per-host thread pool.
package xengine

import (
	"context"
	"fmt"
	"time"

	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/fanout"
	"github.com/shaoguangleo/corr2/internal/model"
	"github.com/shaoguangleo/corr2/internal/timebase"
	"github.com/shaoguangleo/corr2/internal/transport"
)

const (
	broadcastTimeout = 10 * time.Second
	flushSettle      = 200 * time.Millisecond
)

// Ops bundles the dependencies X-engine operations need.
type Ops struct {
	Dialer transport.Dialer
	Time   timebase.Model
}

// SyncResult records the outcome of a successful VACC sync, for callers
// that want to report it (e.g. the control server's vacc-sync reply).
type SyncResult struct {
	LoadMcnt  int64
	LoadTime  float64
	ArmCount0 uint64
	LoadCount0 uint64
}

// Sync runs the full VACC synchronisation protocol (spec §4.4). tLoad is
// optional; zero means "compute now + 2*min_load_lead".
func (o *Ops) Sync(ctx context.Context, inst *model.Instrument, tLoad float64) (SyncResult, error) {
	var hosts = xengineHostNames(inst)

	// Step 1: pre-check for stale arming, reset if needed.
	if err := o.precheckAndReset(ctx, hosts); err != nil {
		return SyncResult{}, err
	}

	// Step 2: compute load time.
	if tLoad == 0 {
		tLoad = o.Time.DefaultLoadTime()
	} else if err := o.Time.CheckLoadTime(tLoad); err != nil {
		return SyncResult{}, err
	}

	// Step 3: quantise.
	var mcnt = o.Time.McntFromTime(tLoad)
	var q = timebase.AccumulationPeriodExponent(inst.NChans, inst.XengAccumulationLen)
	mcnt = timebase.QuantiseMcnt(mcnt, q)

	// Step 4: broadcast load time.
	var lsw = uint64(mcnt) & 0xFFFFFFFF
	var msw = uint64(mcnt) >> 32
	var bcastResults = fanout.Run(ctx, hosts, broadcastTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		return nil, board.RegisterWrite(ctx, "vacc_time", map[string]uint64{"lsw": lsw, "msw": msw})
	})
	if errs := fanout.Errors(bcastResults); len(errs) > 0 {
		return SyncResult{}, corerr.WithFields(corerr.Timeout, "vacc load-time broadcast failed", errsToFields(errs))
	}

	// Step 5: read back lsw/msw from every board; must all equal the
	// leader's (first host's) values.
	if err := o.verifyLoadtimeReadback(ctx, hosts, lsw, msw); err != nil {
		return SyncResult{}, err
	}

	// Step 6: snapshot leader's counters.
	var leader = hosts[0]
	var leaderBoard, leaderErr = o.Dialer.Dial(ctx, leader)
	if leaderErr != nil {
		return SyncResult{}, leaderErr
	}
	var armBefore, armErr = leaderBoard.RegisterRead(ctx, "vacc_counters")
	if armErr != nil {
		return SyncResult{}, armErr
	}
	var armCount0 = armBefore["arm_count"]
	var loadCount0 = armBefore["load_count"]

	// Step 7: arm.
	if err := o.arm(ctx, hosts, armCount0); err != nil {
		return SyncResult{}, err
	}

	// Step 8: wait until load time + settle.
	var loadTime = o.Time.TimeFromMcnt(mcnt)
	if err := timebase.SleepUntil(loadTime, flushSettle); err != nil {
		return SyncResult{}, err
	}

	// Step 9: verify fire.
	if err := o.verifyFire(ctx, hosts, loadCount0); err != nil {
		return SyncResult{}, err
	}

	// Step 10: flush — wait acc_time+0.2s twice.
	var accTime = inst.AccTimeSeconds
	if accTime == 0 {
		accTime = float64(inst.XengAccumulationLen) / inst.SampleRateHz * float64(inst.NChans) * 2
	}
	time.Sleep(time.Duration((accTime + flushSettle.Seconds()) * float64(time.Second)))
	time.Sleep(time.Duration((accTime + flushSettle.Seconds()) * float64(time.Second)))

	// Step 11: steady-state check.
	if err := o.checkSteadyState(ctx, hosts); err != nil {
		return SyncResult{}, err
	}

	return SyncResult{LoadMcnt: mcnt, LoadTime: loadTime, ArmCount0: armCount0, LoadCount0: loadCount0}, nil
}

func xengineHostNames(inst *model.Instrument) []string {
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

func (o *Ops) precheckAndReset(ctx context.Context, hosts []string) error {
	var results = fanout.Run(ctx, hosts, broadcastTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		var counters, readErr = board.RegisterRead(ctx, "vacc_counters")
		if readErr != nil {
			return nil, readErr
		}
		if counters["stale"] == 0 {
			return false, nil // no reset needed
		}
		if err := board.RegisterWrite(ctx, "vacc_control", map[string]uint64{"reset": 1}); err != nil {
			return nil, err
		}
		var status, statusErr = board.RegisterRead(ctx, "vacc_reset_status")
		if statusErr != nil {
			return nil, statusErr
		}
		if status["ok"] != 1 {
			return nil, corerr.New(corerr.VaccResetFailed, "host %s reset did not take", host)
		}
		return true, nil
	})
	if errs := fanout.Errors(results); len(errs) > 0 {
		return corerr.WithFields(corerr.VaccResetFailed, "one or more hosts failed to reset", errsToFields(errs))
	}
	return nil
}

func (o *Ops) verifyLoadtimeReadback(ctx context.Context, hosts []string, wantLsw, wantMsw uint64) error {
	var results = fanout.Run(ctx, hosts, broadcastTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		return board.RegisterRead(ctx, "vacc_time")
	})

	var mismatches = map[string]any{}
	for host, r := range results {
		if r.Err != nil {
			return corerr.New(corerr.Timeout, "reading back vacc_time from %s: %v", host, r.Err)
		}
		var fields = r.Value.(map[string]uint64)
		if fields["lsw"] != wantLsw || fields["msw"] != wantMsw {
			mismatches[host] = fields
		}
	}
	if len(mismatches) > 0 {
		return corerr.WithFields(corerr.VaccLoadtimeDivergence, "vacc load time readback diverged across hosts", mismatches)
	}
	return nil
}

func (o *Ops) arm(ctx context.Context, hosts []string, armCount0 uint64) error {
	var armResults = fanout.Run(ctx, hosts, broadcastTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		return nil, board.RegisterWrite(ctx, "vacc_control", map[string]uint64{"arm": 1})
	})
	if errs := fanout.Errors(armResults); len(errs) > 0 {
		return corerr.WithFields(corerr.VaccArmMissed, "arm command failed on one or more hosts", errsToFields(errs))
	}

	var readResults = fanout.Run(ctx, hosts, broadcastTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		return board.RegisterRead(ctx, "vacc_counters")
	})

	var missed = map[string]any{}
	for host, r := range readResults {
		if r.Err != nil {
			missed[host] = r.Err.Error()
			continue
		}
		var fields = r.Value.(map[string]uint64)
		if fields["arm_count"] != armCount0+1 {
			missed[host] = fields["arm_count"]
		}
	}
	if len(missed) > 0 {
		return corerr.WithFields(corerr.VaccArmMissed, "arm_count did not advance on every host", missed)
	}
	return nil
}

func (o *Ops) verifyFire(ctx context.Context, hosts []string, loadCount0 uint64) error {
	var results = fanout.Run(ctx, hosts, broadcastTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		return board.RegisterRead(ctx, "vacc_counters")
	})

	var notTriggered = map[string]any{}
	for host, r := range results {
		if r.Err != nil {
			notTriggered[host] = r.Err.Error()
			continue
		}
		var fields = r.Value.(map[string]uint64)
		if fields["load_count"] != loadCount0+1 {
			notTriggered[host] = fields["load_count"]
		}
	}
	if len(notTriggered) > 0 {
		return corerr.WithFields(corerr.VaccDidNotTrigger, "load_count did not advance on every host", notTriggered)
	}
	return nil
}

func (o *Ops) checkSteadyState(ctx context.Context, hosts []string) error {
	var results = fanout.Run(ctx, hosts, broadcastTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		return board.RegisterRead(ctx, "vacc_status")
	})

	var bad = map[string]any{}
	for host, r := range results {
		if r.Err != nil {
			bad[host] = r.Err.Error()
			continue
		}
		var fields = r.Value.(map[string]uint64)
		if fields["errors"] != 0 || fields["count"] == 0 {
			bad[host] = fields
		}
	}
	if len(bad) > 0 {
		return corerr.WithFields(corerr.VaccCheckFailed, "vacc_status reported errors or zero count", bad)
	}
	return nil
}

func errsToFields(errs map[string]error) map[string]any {
	var out = make(map[string]any, len(errs))
	for k, v := range errs {
		out[k] = v.Error()
	}
	return out
}

// SetAccumulationLength rewrites acc_len on every X-engine host, then
// runs Sync iff resync is true (spec §4.4 "set_accumulation_length").
func (o *Ops) SetAccumulationLength(ctx context.Context, inst *model.Instrument, seconds float64, resync bool) error {
	var nAccLen = int(seconds * inst.SampleRateHz / float64(inst.NChans) / 2)
	if nAccLen <= 0 {
		return corerr.New(corerr.ConfigError, "accumulation-length %gs is too short for this instrument", seconds)
	}

	var hosts = xengineHostNames(inst)
	var results = fanout.Run(ctx, hosts, broadcastTimeout, func(ctx context.Context, host string) (any, error) {
		var board, err = o.Dialer.Dial(ctx, host)
		if err != nil {
			return nil, err
		}
		return nil, board.RegisterBulkWrite(ctx, "acc_len", uint32(nAccLen))
	})
	if errs := fanout.Errors(results); len(errs) > 0 {
		return corerr.WithFields(corerr.PartialCommit, "acc_len write failed on one or more hosts", errsToFields(errs))
	}

	inst.XengAccumulationLen = nAccLen
	if resync {
		var _, err = o.Sync(ctx, inst, 0)
		return err
	}
	return nil
}

// String renders a SyncResult readably; the vacc-sync verb uses it as
// its reply field.
func (r SyncResult) String() string {
	return fmt.Sprintf("load_mcnt=%d load_time=%.6f", r.LoadMcnt, r.LoadTime)
}
