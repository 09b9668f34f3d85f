// Package sensor implements the sensor manager of spec §4.6: a registry
// of named health checks, each re-evaluated on its own self-rescheduling
// cadence, classified with the errif/warnif change-detector rule, and
// rolled up into composite device-status sensors.
//
// Grounded on original_source/src/sensors.py's
// IOLoop.current().call_later(10, cb, ...) self-rescheduling callback
// pattern (NOMINAL/ERROR, one callback per LRU/tx/rx/QDR check), on
// original_source/src/sensors_periodic_fhost.py's errif/warnif-tagged
// `sensor.set(value=..., errif='changed'|'notchanged', warnif=...)`
// calls (e.g. line 240 `sensors['cnt'].set(value=results['pkt_cnt'],
// warnif='notchanged')`), and on the teacher's beacon_thread "sleep
// until next scheduled event, then repeat" loop shape (beacon.go) for
// what that self-rescheduling looks like without an IOLoop.
package sensor

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Status is the five-valued health spec §3 assigns every sensor.
type Status int

const (
	Unknown Status = iota
	Nominal
	Warning
	Error
	Failure
)

func (s Status) String() string {
	switch s {
	case Nominal:
		return "nominal"
	case Warning:
		return "warn"
	case Error:
		return "error"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Kind is the sensor value's type (spec §3: "boolean, integer, float,
// string").
type Kind int

const (
	KindBoolean Kind = iota
	KindInteger
	KindFloat
	KindString
)

// Value is a sensor's typed reading. Exactly one field is meaningful,
// selected by Kind.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

// BoolValue wraps a boolean reading.
func BoolValue(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// IntValue wraps an integer reading (e.g. a free-running counter).
func IntValue(n int64) Value { return Value{Kind: KindInteger, Int: n} }

// FloatValue wraps a float reading.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// StringValue wraps a string reading.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func zeroValue(k Kind) Value {
	switch k {
	case KindInteger:
		return IntValue(0)
	case KindFloat:
		return FloatValue(0)
	case KindString:
		return StringValue("")
	default:
		return BoolValue(false)
	}
}

// Equal compares two values of the same Kind.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInteger:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	default:
		return v.Bool == o.Bool
	}
}

// String renders a value for the control protocol's sensor-value reply.
func (v Value) String() string {
	switch v.Kind {
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	default:
		return strconv.FormatBool(v.Bool)
	}
}

// Condition is one side of the errif/warnif change-detector rule (spec
// §4.6: "errif = changed|notchanged and warnif = changed|notchanged").
// ConditionNone means this side of the rule never fires, the case for
// sensors whose status instead comes straight from their boolean reading
// (LRU/tx/rx/phy/qdr "is it okay" checks, original_source's plain
// NOMINAL/ERROR callbacks).
type Condition int

const (
	ConditionNone Condition = iota
	ConditionChanged
	ConditionNotChanged
)

// BoolCheckFunc is a direct-mode sensor's health probe: true is nominal,
// false is an error, an error return is a submit/transport failure.
// Manager.Start runs each sensor in its own goroutine, so a slow or
// wedged probe delays only its own sensor's next evaluation.
type BoolCheckFunc func(ctx context.Context) (bool, error)

// ValueCheckFunc is a change-detect sensor's sample probe: it returns the
// latest reading, classified against the prior sample by the sensor's
// errif/warnif rule.
type ValueCheckFunc func(ctx context.Context) (Value, error)

type mode int

const (
	modeDirect mode = iota
	modeChangeDetect
)

// Sensor is one named health check and its last-known result.
type Sensor struct {
	Name        string
	Description string
	Kind        Kind
	Critical    bool // contributes to composite device-status rollups

	mode       mode
	errIf      Condition
	warnIf     Condition
	checkBool  BoolCheckFunc
	checkValue ValueCheckFunc

	mu        sync.Mutex
	status    Status
	value     Value
	hasSample bool // the private prior-sample slot (spec §3)
	updatedAt float64
}

// Snapshot is a Sensor's state at a point in time, safe to hand to a
// caller without exposing the mutex.
type Snapshot struct {
	Name        string
	Description string
	Kind        Kind
	Status      Status
	Value       Value
	UpdatedAt   float64
}

func (s *Sensor) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Name: s.Name, Description: s.Description, Kind: s.Kind, Status: s.status, Value: s.value, UpdatedAt: s.updatedAt}
}

// Now is the wall-clock source sensor evaluations stamp their results
// with; overridable for deterministic tests.
var Now = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Manager owns the full sensor set and the goroutines that periodically
// re-evaluate them.
type Manager struct {
	mu      sync.Mutex
	sensors map[string]*Sensor
	cadence time.Duration

	onTransition func(name string, from, to Status) // errif/warnif hook

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds an empty manager. cadence is the default period
// between re-evaluations for every registered sensor (spec §4.6, default
// 10s); a zero cadence falls back to 10s rather than disabling checks
// entirely, since unlike stream metadata a sensor manager with no
// cadence at all would never detect a failed host.
func NewManager(cadence time.Duration) *Manager {
	if cadence <= 0 {
		cadence = 10 * time.Second
	}
	return &Manager{sensors: map[string]*Sensor{}, cadence: cadence}
}

// OnTransition installs a callback fired whenever a sensor's status
// changes: log once per edge, not once per sweep.
func (m *Manager) OnTransition(fn func(name string, from, to Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// RegisterDirect adds a sensor whose status comes straight from its
// boolean reading (spec §4.6's LRU/tx/rx/phy/qdr-style checks;
// original_source's _sensor_cb_flru and siblings, which set
// NOMINAL/ERROR directly off the probe's result with no change
// detection involved). critical sensors contribute to DeviceStatus()
// and HostDeviceStatus().
func (m *Manager) RegisterDirect(name, description string, critical bool, check BoolCheckFunc) *Sensor {
	var s = &Sensor{Name: name, Description: description, Kind: KindBoolean, Critical: critical, mode: modeDirect, checkBool: check, status: Unknown}
	m.mu.Lock()
	m.sensors[name] = s
	m.mu.Unlock()
	return s
}

// RegisterChangeDetect adds a sensor classified by the errif/warnif
// change-detector rule (spec §4.6), comparing each new sample against
// the sensor's private prior-sample slot (original_source's
// `sensor.set(value=..., errif='changed'|'notchanged', warnif=...)`,
// e.g. a packet counter that warns if it does *not* change and an error
// counter that errors if it *does*). The first sample never itself
// trips errif/warnif — it only establishes the baseline the next sample
// is compared against.
func (m *Manager) RegisterChangeDetect(name, description string, kind Kind, critical bool, errIf, warnIf Condition, check ValueCheckFunc) *Sensor {
	var s = &Sensor{Name: name, Description: description, Kind: kind, Critical: critical, mode: modeChangeDetect, errIf: errIf, warnIf: warnIf, checkValue: check, status: Unknown}
	m.mu.Lock()
	m.sensors[name] = s
	m.mu.Unlock()
	return s
}

// Get returns a snapshot of one sensor's current state. A name ending in
// "device-status" that has no sensor registered under it literally is
// resolved as a composite rollup instead (spec §4.6 "host.device-status
// ... rolled up"): the prefix before "device-status" (e.g. "hostN.",
// "hostN.xeng.vacc.", or "" for the whole instrument) is matched against
// every critical sensor's name, and the worst status among them is
// returned. This makes any hierarchical level of the dot-separated
// naming scheme (spec §4.6 "names are dot-separated and hierarchical")
// queryable as a composite without the rollup itself needing to be
// pre-registered.
func (m *Manager) Get(name string) (Snapshot, bool) {
	m.mu.Lock()
	var s, ok = m.sensors[name]
	m.mu.Unlock()
	if ok {
		return s.snapshot(), true
	}

	const suffix = "device-status"
	if !strings.HasSuffix(name, suffix) {
		return Snapshot{}, false
	}
	var prefix = strings.TrimSuffix(name, suffix)
	var status, found = m.rollup(prefix)
	if !found {
		return Snapshot{}, false
	}
	return Snapshot{Name: name, Description: "composite device-status rollup", Kind: KindString, Status: status, Value: StringValue(status.String()), UpdatedAt: Now()}, true
}

// List returns every registered sensor's current snapshot, for the
// sensor-list verb. Composite device-status rollups are queryable by
// name via Get but are not themselves registered sensors, so they are
// not enumerated here.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	var all = make([]*Sensor, 0, len(m.sensors))
	for _, s := range m.sensors {
		all = append(all, s)
	}
	m.mu.Unlock()

	var out = make([]Snapshot, len(all))
	for i, s := range all {
		out[i] = s.snapshot()
	}
	return out
}

// rollup reports the worst status among every critical sensor whose name
// has the given prefix. An empty prefix matches every critical sensor
// (the whole-instrument rollup) and is always "found"; a non-empty
// prefix that matches nothing is not found, distinguishing "this host/
// subsystem has no sensors yet" from "every sensor here is nominal".
func (m *Manager) rollup(prefix string) (Status, bool) {
	m.mu.Lock()
	var matched []*Sensor
	for name, s := range m.sensors {
		if s.Critical && strings.HasPrefix(name, prefix) {
			matched = append(matched, s)
		}
	}
	m.mu.Unlock()

	if prefix != "" && len(matched) == 0 {
		return Unknown, false
	}

	var worst = Nominal
	for _, s := range matched {
		switch s.snapshot().Status {
		case Failure:
			return Failure, true
		case Error:
			worst = Error
		case Warning:
			if worst != Error {
				worst = Warning
			}
		}
	}
	return worst, true
}

// DeviceStatus rolls every critical sensor's status up into one
// instrument-wide value (spec §4.6 "composite device-status rollup").
func (m *Manager) DeviceStatus() Status {
	var status, _ = m.rollup("")
	return status
}

// HostDeviceStatus rolls up every critical sensor named "<host>.*" into
// one value, the per-host composite spec §4.6 and §8 scenario 6 name
// ("hostN.device-status").
func (m *Manager) HostDeviceStatus(host string) Status {
	var status, _ = m.rollup(host + ".")
	return status
}

// evaluate runs one sensor's check, classifies the result (direct
// boolean mapping, or errif/warnif change detection against the prior
// sample), and fires onTransition only when the status actually changed.
func (m *Manager) evaluate(ctx context.Context, s *Sensor) {
	var newVal Value
	var err error
	if s.mode == modeDirect {
		var ok bool
		ok, err = s.checkBool(ctx)
		newVal = BoolValue(ok)
	} else {
		newVal, err = s.checkValue(ctx)
	}

	s.mu.Lock()
	var oldStatus = s.status

	if err != nil {
		// "on submit failure or exception, marks its sensors failure
		// with a sentinel value and schedules the next run anyway"
		// (spec §4.6).
		s.status = Failure
		s.value = zeroValue(s.Kind)
		s.updatedAt = Now()
		s.mu.Unlock()
		m.fireTransition(s.Name, oldStatus, Failure)
		return
	}

	var newStatus Status
	switch s.mode {
	case modeDirect:
		if newVal.Bool {
			newStatus = Nominal
		} else {
			newStatus = Error
		}
	default:
		var changed = s.hasSample && !s.value.Equal(newVal)
		var hadSample = s.hasSample
		switch {
		case s.errIf == ConditionChanged && changed:
			newStatus = Error
		case s.errIf == ConditionNotChanged && hadSample && !changed:
			newStatus = Error
		case s.warnIf == ConditionChanged && changed:
			newStatus = Warning
		case s.warnIf == ConditionNotChanged && hadSample && !changed:
			newStatus = Warning
		default:
			newStatus = Nominal
		}
	}

	s.value = newVal
	s.hasSample = true
	s.status = newStatus
	s.updatedAt = Now()
	s.mu.Unlock()

	m.fireTransition(s.Name, oldStatus, newStatus)
}

func (m *Manager) fireTransition(name string, from, to Status) {
	if from == to {
		return
	}
	m.mu.Lock()
	var cb = m.onTransition
	m.mu.Unlock()
	if cb != nil {
		cb(name, from, to)
	}
}

// Start launches one self-rescheduling goroutine per registered sensor,
// each sleeping for cadence between evaluations (original_source's
// IOLoop.call_later chain, generalised from "fixed 10s" to a
// configurable cadence).
func (m *Manager) Start(ctx context.Context) {
	var loopCtx, cancel = context.WithCancel(ctx)
	m.cancel = cancel

	m.mu.Lock()
	var all = make([]*Sensor, 0, len(m.sensors))
	for _, s := range m.sensors {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.wg.Add(1)
		go func(s *Sensor) {
			defer m.wg.Done()
			m.evaluate(loopCtx, s)
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-time.After(m.cadence):
					m.evaluate(loopCtx, s)
				}
			}
		}(s)
	}
}

// Stop halts every sensor's evaluation loop and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
