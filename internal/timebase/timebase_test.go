package timebase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/timebase"
)

func TestMcntRoundTrip(t *testing.T) {
	var m = timebase.Model{Epoch: 1000, SampleRateHz: 1712000000}

	var mcnt = m.McntFromTime(1100)
	var back = m.TimeFromMcnt(mcnt)
	assert.InDelta(t, 1100, back, 1.0/m.SampleRateHz)
}

func TestQuantiseMcntAdvancesByAFullPeriod(t *testing.T) {
	var q = timebase.AccumulationPeriodExponent(4096, 256)
	assert.EqualValues(t, 21, q) // log2(4096)=12, +1, +log2(256)=8 -> 21

	var period = int64(1) << q

	// Aligned value still advances by exactly one period.
	var aligned = int64(5) * period
	assert.Equal(t, aligned+period, timebase.QuantiseMcnt(aligned, q))

	// Unaligned rounds up to the next multiple.
	var unaligned = aligned + 1
	assert.Equal(t, aligned+period, timebase.QuantiseMcnt(unaligned, q))
}

func TestCheckLoadTimeBoundary(t *testing.T) {
	var restore = timebase.Now
	defer func() { timebase.Now = restore }()
	timebase.Now = func() float64 { return 100.0 }

	var m = timebase.Model{MinLoadLead: 2}

	var errTooSoon = m.CheckLoadTime(100 + 2 - 0.001)
	require.Error(t, errTooSoon)
	e, _ := corerr.As(errTooSoon)
	assert.Equal(t, corerr.LoadTooSoon, e.Kind)

	assert.NoError(t, m.CheckLoadTime(100+2+0.001))
}

func TestSleepUntilNegativeIsHardError(t *testing.T) {
	var restore = timebase.Now
	defer func() { timebase.Now = restore }()
	timebase.Now = func() float64 { return 1000.0 }

	var err = timebase.SleepUntil(500, 0)
	require.Error(t, err)
	e, _ := corerr.As(err)
	assert.Equal(t, corerr.WaitNegative, e.Kind)
}
