// Package timebase implements the Unix-time ↔ board sample-count
// conversion (spec §3 "Time model", §4.4 step 2-3) along with the
// load-lead and jitter thresholds every timed parameter change is
// checked against.
//
// Grounded on the scheduling math in the teacher's beacon.go (converting
// a wall-clock schedule into "how long until the next event fires"),
// generalised from float seconds to the board's integer sample count.
package timebase

import (
	"math"
	"time"

	"github.com/shaoguangleo/corr2/internal/corerr"
)

// Model converts between wall-clock time and a board's free-running
// sample counter, anchored at the synchronisation epoch (spec §3).
type Model struct {
	// Epoch is the Unix time assigned to sample count (mcnt) zero. Zero
	// value means "not yet set". Nothing here guards monotonicity: the
	// digitiser-synch-epoch verb overwrites this field directly.
	Epoch float64

	SampleRateHz float64

	// MinLoadLead is the minimum lead time (seconds) the control
	// surface requires between "now" and any accepted load time.
	MinLoadLead float64

	// JitterAllowed is the accepted clock skew (seconds), copied from the
	// fengine time_jitter_allowed config key. No code in this repository
	// reads it after it is set.
	JitterAllowed float64
}

// McntFromTime converts a Unix time to the nearest (floor) sample count.
func (m Model) McntFromTime(t float64) int64 {
	return int64(math.Floor((t - m.Epoch) * m.SampleRateHz))
}

// TimeFromMcnt is the inverse of McntFromTime.
func (m Model) TimeFromMcnt(mcnt int64) float64 {
	return m.Epoch + float64(mcnt)/m.SampleRateHz
}

// Now is the wall-clock time used everywhere in this package; it exists
// so tests can substitute a deterministic clock.
var Now = func() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// CheckLoadTime enforces spec §4.4 step 2 / §4.5: t_load must be at
// least MinLoadLead seconds in the future. The boundary is exact: at
// now+lead-ε it is rejected, at now+lead+ε it is accepted (spec §8
// "Boundary behaviour").
func (m Model) CheckLoadTime(tLoad float64) error {
	var now = Now()
	if tLoad < now+m.MinLoadLead {
		return corerr.New(corerr.LoadTooSoon, "t_load %.6f is less than now+min_load_lead (%.6f)", tLoad, now+m.MinLoadLead)
	}
	return nil
}

// DefaultLoadTime computes now + 2*min_load_lead, used when a verb omits
// an explicit load time (spec §4.4 step 2).
func (m Model) DefaultLoadTime() float64 {
	return Now() + 2*m.MinLoadLead
}

// QuantiseMcnt rounds mcnt *up* to the next multiple of 2^q (spec §4.4
// step 3). A value already on a multiple still advances by a full
// period — the load never lands in the current one (spec §8 "Boundary
// behaviour").
func QuantiseMcnt(mcnt int64, q uint) int64 {
	return ((mcnt >> q) + 1) << q
}

// AccumulationPeriodExponent computes q = log2(n_chans) + 1 +
// log2(xeng_acc_len), the VACC's natural period exponent (spec §4.4
// step 3). Both inputs must be powers of two.
func AccumulationPeriodExponent(nChans, xengAccLen int) uint {
	return uint(bitsLog2(nChans)) + 1 + uint(bitsLog2(xengAccLen))
}

func bitsLog2(n int) int {
	var bits = 0
	for n > 1 {
		n >>= 1
		bits++
	}
	return bits
}

// SleepUntil blocks until the given Unix time plus the supplied settle
// duration. A negative remaining wait is a hard error (spec §4.4 step 8,
// wait_negative) indicating the time model has drifted against the
// wall clock — this function does not clamp it away.
func SleepUntil(t float64, settle time.Duration) error {
	var remaining = t + settle.Seconds() - Now()
	if remaining < 0 {
		return corerr.New(corerr.WaitNegative, "wait of %.6fs is negative; time model has drifted", remaining)
	}
	time.Sleep(time.Duration(remaining * float64(time.Second)))
	return nil
}
