package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shaoguangleo/corr2/internal/addr"
	"github.com/shaoguangleo/corr2/internal/config"
	"github.com/shaoguangleo/corr2/internal/corerr"
	"github.com/shaoguangleo/corr2/internal/fanout"
	"github.com/shaoguangleo/corr2/internal/fengine"
	"github.com/shaoguangleo/corr2/internal/model"
	"github.com/shaoguangleo/corr2/internal/sensor"
	"github.com/shaoguangleo/corr2/internal/stream"
)

// verbHandler runs one verb against the server's current state, returning
// the reply's extra fields (spec §4.7 `!verb ok [fields…]`) or an error to
// be rendered as a `fail` reply.
type verbHandler func(s *Server, ctx context.Context, args []string) ([]string, error)

// verbTable is the full verb set of spec §4.7, plus the sensor-value/
// sensor-list additions of SPEC_FULL.md §4 item 4.
var verbTable = map[string]verbHandler{
	"create":                   handleCreate,
	"initialise":               handleInitialise,
	"capture-destination":      handleCaptureDestination,
	"capture-start":            handleCaptureStart,
	"capture-stop":             handleCaptureStop,
	"capture-status":           handleCaptureStatus,
	"capture-meta":             handleCaptureMeta,
	"capture-list":             handleCaptureList,
	"digitiser-synch-epoch":    handleSynchEpoch,
	"input-labels":             handleInputLabels,
	"gain":                     handleGain,
	"gain-all":                 handleGainAll,
	"delays":                   handleDelays,
	"delay":                    handleDelay,
	"accumulation-length":      handleAccumulationLength,
	"vacc-sync":                handleVaccSync,
	"frequency-select":         handleFrequencySelect,
	"quantiser-snapshot":       handleQuantiserSnapshot,
	"adc-snapshot":             handleAdcSnapshot,
	"transient-buffer-trigger": handleTransientBufferTrigger,
	"beam-weights":             handleBeamWeights,
	"beam-quant-gains":         handleBeamQuantGains,
	"beam-passband":            handleBeamPassband,
	"fft-shift":                handleFFTShift,
	"sensor-value":             handleSensorValue,
	"sensor-list":              handleSensorList,
}

// errorKindAndMessage renders any error this package's handlers can
// produce as a (kind, message) pair. A *corerr.Error carries its own kind;
// anything else reaching here is a bug elsewhere, surfaced best-effort as
// board_transport since every real failure path in this coordinator is
// expected to already be kinded (spec §7 "Propagation policy").
func errorKindAndMessage(err error) (string, string) {
	if e, ok := corerr.As(err); ok {
		return string(e.Kind), e.Message
	}
	return string(corerr.BoardTransport), err.Error()
}

// requireCreated reuses not_initialised for "create was never called"
// (spec §7's kind vocabulary has no separate kind for that case). It is
// the only place not_initialised is produced; no verb checks whether
// initialise has run.
func requireCreated(s *Server) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.created {
		return nil, corerr.New(corerr.NotInitialised, "create must be called first")
	}
	return s.inst, nil
}

func handleCreate(s *Server, ctx context.Context, args []string) ([]string, error) {
	if len(args) < 1 {
		return nil, corerr.New(corerr.ConfigError, "create requires a config path")
	}

	s.mu.Lock()
	if s.created {
		s.mu.Unlock()
		return nil, corerr.New(corerr.AlreadyCreated, "instrument already created")
	}
	s.mu.Unlock()

	var doc, loadErr = config.Load(args[0])
	if loadErr != nil {
		return nil, loadErr
	}
	if len(args) > 1 {
		doc.Instrument = args[1]
	}

	var inst, compileErr = model.Compile(doc)
	if compileErr != nil {
		return nil, compileErr
	}

	var metadataCadence = time.Duration(doc.Metadata.CadenceSeconds * float64(time.Second))
	var sensorCadence = time.Duration(doc.Sensors.DefaultCadenceSeconds * float64(time.Second))
	var streams = stream.NewRegistry(inst, s.cfg.Emitter, metadataCadence)
	var sensors = sensor.NewManager(sensorCadence)
	registerHostSensors(sensors, s, inst)

	s.mu.Lock()
	s.inst = inst
	s.time.SampleRateHz = inst.SampleRateHz
	s.time.MinLoadLead = doc.FEngine.MinLoadLead
	s.time.JitterAllowed = doc.FEngine.JitterAllowed
	s.streams = streams
	s.sensors = sensors
	s.created = true
	s.mu.Unlock()

	streams.StartPeriodicEmission(ctx)
	sensors.Start(ctx)

	return []string{inst.Name}, nil
}

// registerHostSensors installs the per-host health checks
// original_source's sensors.py and sensors_periodic_{fhost,xhost}.py
// register: a "<host>.lru.ok" board-reachability check on every host
// (sensors.py's host_okay_sensor), direct tx/rx/phy/qdr link-health
// checks per engine kind (sensors.py's _sensor_feng_tx/_sensor_xeng_tx/
// _sensor_feng_phy/_xeng_qdr_okay and siblings), and, on X-engine hosts,
// the VACC error/count change-detectors (sensors_periodic_fhost.py's
// `sensor.set(value=..., errif='changed')`/`warnif='notchanged'`
// pattern applied to xengine.go's checkSteadyState fields). Every
// critical sensor here feeds both the instrument-wide DeviceStatus
// rollup and the per-host HostDeviceStatus composite (spec §8
// scenario 6: "hostN.xeng.vacc.device-status = error" while other
// hosts stay nominal).
func registerHostSensors(sensors *sensor.Manager, s *Server, inst *model.Instrument) {
	for hostName := range inst.Hosts {
		var host = hostName
		sensors.RegisterDirect(host+".lru.ok", "board reachable and healthy", true, func(ctx context.Context) (bool, error) {
			var board, err = s.cfg.Dialer.Dial(ctx, host)
			if err != nil {
				return false, err
			}
			return board.HostOkay(ctx), nil
		})
	}

	for _, host := range hostNames(inst.FEngines) {
		registerLinkSensors(sensors, s, host, "feng")
	}

	for _, host := range hostNames(inst.XEngines) {
		registerLinkSensors(sensors, s, host, "xeng")
		registerVaccSensors(sensors, s, host)
	}
}

// registerLinkSensors installs the tx/rx/phy/qdr direct boolean checks
// shared by both F- and X-engine hosts, each reading the "ok" field of
// its own named register.
func registerLinkSensors(sensors *sensor.Manager, s *Server, host, kind string) {
	var checks = []struct {
		suffix   string
		register string
	}{
		{"tx", "tengbe_tx"},
		{"rx", "tengbe_rx"},
		{"phy", "phy_status"},
		{"qdr", "qdr_status"},
	}
	for _, c := range checks {
		var register = c.register
		sensors.RegisterDirect(host+"."+kind+"."+c.suffix+".ok", host+" "+c.suffix+" link okay", true, boolRegisterCheck(s, host, register, "ok"))
	}
}

// registerVaccSensors installs the VACC error/count errif/warnif
// change-detectors for one X-engine host (sensors_periodic_fhost.py's
// errif='changed'/warnif='notchanged' pattern, applied to the same
// vacc_status register xengine.go's checkSteadyState reads).
func registerVaccSensors(sensors *sensor.Manager, s *Server, host string) {
	sensors.RegisterChangeDetect(host+".xeng.vacc.errors", host+" vacc error counter", sensor.KindInteger, true, sensor.ConditionChanged, sensor.ConditionNone, intRegisterCheck(s, host, "vacc_status", "errors"))
	sensors.RegisterChangeDetect(host+".xeng.vacc.count", host+" vacc accumulation counter", sensor.KindInteger, true, sensor.ConditionNone, sensor.ConditionNotChanged, intRegisterCheck(s, host, "vacc_status", "count"))
}

// boolRegisterCheck dials host and reads field from register, treating a
// non-zero value as okay.
func boolRegisterCheck(s *Server, host, register, field string) sensor.BoolCheckFunc {
	return func(ctx context.Context) (bool, error) {
		var board, err = s.cfg.Dialer.Dial(ctx, host)
		if err != nil {
			return false, err
		}
		var fields, readErr = board.RegisterRead(ctx, register)
		if readErr != nil {
			return false, readErr
		}
		return fields[field] != 0, nil
	}
}

// intRegisterCheck dials host and reads field from register as a typed
// integer sample, for change-detect sensors.
func intRegisterCheck(s *Server, host, register, field string) sensor.ValueCheckFunc {
	return func(ctx context.Context) (sensor.Value, error) {
		var board, err = s.cfg.Dialer.Dial(ctx, host)
		if err != nil {
			return sensor.Value{}, err
		}
		var fields, readErr = board.RegisterRead(ctx, register)
		if readErr != nil {
			return sensor.Value{}, readErr
		}
		return sensor.IntValue(int64(fields[field])), nil
	}
}

func handleInitialise(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.initialised {
		s.mu.Unlock()
		return nil, corerr.New(corerr.AlreadyInitialised, "instrument already initialised")
	}
	s.mu.Unlock()

	var program = boolArg(args, 0)
	var requireEpoch = boolArg(args, 2)
	var monitorVacc = boolArg(args, 3)

	if program {
		var hosts = append(append([]string{}, hostNames(inst.FEngines)...), hostNames(inst.XEngines)...)
		var results = fanout.Run(ctx, hosts, 30*time.Second, func(ctx context.Context, host string) (any, error) {
			var board, dialErr = s.cfg.Dialer.Dial(ctx, host)
			if dialErr != nil {
				return nil, dialErr
			}
			return nil, board.Program(ctx)
		})
		if errs := fanout.Errors(results); len(errs) > 0 {
			return nil, corerr.WithFields(corerr.PartialCommit, "programming failed on one or more hosts", errFields(errs))
		}
	}

	s.mu.RLock()
	var epoch = s.time.Epoch
	s.mu.RUnlock()
	if requireEpoch && epoch == 0 {
		return nil, corerr.New(corerr.ConfigError, "digitiser-synch-epoch has not been set")
	}

	if monitorVacc {
		var _, syncErr = s.xengineOps().Sync(ctx, inst, 0)
		if syncErr != nil {
			return nil, syncErr
		}
	}

	s.mu.Lock()
	s.initialised = true
	s.mu.Unlock()
	return nil, nil
}

func handleCaptureDestination(s *Server, ctx context.Context, args []string) ([]string, error) {
	var _, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) != 2 {
		return nil, corerr.New(corerr.ConfigError, "capture-destination requires <stream> <ip:port>")
	}
	var dest, parseErr = addr.Parse(args[1])
	if parseErr != nil {
		return nil, parseErr
	}
	var streams = s.getStreams()
	if setErr := streams.SetDestination(ctx, args[0], model.DataStream{Destination: dest}); setErr != nil {
		return nil, setErr
	}
	var ds, getErr = streams.Get(args[0])
	if getErr != nil {
		return nil, getErr
	}
	return []string{ds.Destination.String()}, nil
}

func handleCaptureStart(s *Server, ctx context.Context, args []string) ([]string, error) {
	return setCaptureEnabled(s, ctx, args, true)
}

func handleCaptureStop(s *Server, ctx context.Context, args []string) ([]string, error) {
	return setCaptureEnabled(s, ctx, args, false)
}

func setCaptureEnabled(s *Server, ctx context.Context, args []string, enabled bool) ([]string, error) {
	var _, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, corerr.New(corerr.ConfigError, "expected a single stream name")
	}
	var streams = s.getStreams()
	if setErr := streams.SetEnabled(args[0], enabled); setErr != nil {
		return nil, setErr
	}
	// original_source's corr2_start_stop_tx.py re-emits metadata once on
	// every gate flip, not only on destination change.
	if emitErr := streams.EmitNow(ctx, args[0]); emitErr != nil {
		return nil, emitErr
	}
	return nil, nil
}

func handleCaptureStatus(s *Server, ctx context.Context, args []string) ([]string, error) {
	var _, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, corerr.New(corerr.ConfigError, "expected a single stream name")
	}
	var ds, getErr = s.getStreams().Get(args[0])
	if getErr != nil {
		return nil, getErr
	}
	var state = "disabled"
	if ds.Enabled {
		state = "enabled"
	}
	return []string{state, ds.Destination.String()}, nil
}

func handleCaptureMeta(s *Server, ctx context.Context, args []string) ([]string, error) {
	var _, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, corerr.New(corerr.ConfigError, "expected a single stream name")
	}
	if emitErr := s.getStreams().EmitNow(ctx, args[0]); emitErr != nil {
		return nil, emitErr
	}
	return nil, nil
}

func handleCaptureList(s *Server, ctx context.Context, args []string) ([]string, error) {
	var _, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	return s.getStreams().List(), nil
}

func handleSynchEpoch(s *Server, ctx context.Context, args []string) ([]string, error) {
	var _, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return []string{strconv.FormatFloat(s.time.Epoch, 'g', -1, 64)}, nil
	}
	var t, parseErr = strconv.ParseFloat(args[0], 64)
	if parseErr != nil {
		return nil, corerr.New(corerr.ConfigError, "invalid epoch %q", args[0])
	}
	s.mu.Lock()
	s.time.Epoch = t
	s.mu.Unlock()
	return []string{args[0]}, nil
}

func handleInputLabels(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return inst.Labels(), nil
	}
	if setErr := fengine.SetLabels(inst, args); setErr != nil {
		return nil, setErr
	}
	return inst.Labels(), nil
}

func handleGain(s *Server, ctx context.Context, args []string) ([]string, error) {
	return gainVerb(s, ctx, args, false)
}

func handleGainAll(s *Server, ctx context.Context, args []string) ([]string, error) {
	return gainVerb(s, ctx, args, true)
}

func gainVerb(s *Server, ctx context.Context, args []string, all bool) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}

	var inputName string
	var values []string
	if all {
		inputName = "all"
		values = args
	} else {
		if len(args) == 0 {
			return nil, corerr.New(corerr.ConfigError, "gain requires <input> [v0 v1 …]")
		}
		inputName = args[0]
		values = args[1:]
	}

	if len(values) == 0 {
		if all {
			return nil, corerr.New(corerr.ConfigError, "gain-all requires at least one value to set")
		}
		var input, ok = inst.InputByName(inputName)
		if !ok {
			return nil, corerr.New(corerr.InputUnknown, "no such input %q", inputName)
		}
		return []string{describeEq(input.Eq)}, nil
	}

	var eq, eqErr = parseEq(values, inst.NChans)
	if eqErr != nil {
		return nil, eqErr
	}
	if setErr := s.fengineOps().SetEq(ctx, inst, inputName, eq); setErr != nil {
		return nil, setErr
	}
	return []string{describeEq(eq)}, nil
}

// parseEq builds the tagged Equaliser value of model §9's dynamic typing
// rule from the wire tokens of a gain/gain-all verb: one value is a
// scalar, exactly nChans values is a fully expanded vector, anything else
// is taken as polynomial coefficients.
func parseEq(values []string, nChans int) (model.Equaliser, error) {
	var floats = make([]float64, len(values))
	for i, v := range values {
		var f, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return model.Equaliser{}, corerr.New(corerr.ConfigError, "invalid gain value %q", v)
		}
		floats[i] = f
	}
	switch {
	case len(floats) == 1:
		return model.Equaliser{Kind: model.EQScalar, Scalar: complex(floats[0], 0)}, nil
	case len(floats) == nChans:
		var vec = make([]complex128, nChans)
		for i, f := range floats {
			vec[i] = complex(f, 0)
		}
		return model.Equaliser{Kind: model.EQVector, Vector: vec}, nil
	default:
		return model.Equaliser{Kind: model.EQPolynomial, PolyCoef: floats}, nil
	}
}

// describeEq renders an Equaliser for a reply line. The fully expanded
// per-channel vector is too large to usefully print over a line-oriented
// wire protocol (spec §1 "wire encoding out of scope"), so vectors read
// back as a length summary rather than their literal contents.
func describeEq(eq model.Equaliser) string {
	switch eq.Kind {
	case model.EQScalar:
		return fmt.Sprintf("scalar:%g", real(eq.Scalar))
	case model.EQVector:
		return fmt.Sprintf("vector:%d", len(eq.Vector))
	case model.EQPolynomial:
		var parts = make([]string, len(eq.PolyCoef))
		for i, c := range eq.PolyCoef {
			parts[i] = fmt.Sprintf("%g", c)
		}
		return "poly:" + strings.Join(parts, ",")
	default:
		return "unknown"
	}
}

func handleDelays(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) < 1+len(inst.Inputs) {
		return nil, corerr.New(corerr.ConfigError, "delays requires <t_load> plus %d per-input ICD strings", len(inst.Inputs))
	}
	var tLoad, parseErr = strconv.ParseFloat(args[0], 64)
	if parseErr != nil {
		return nil, corerr.New(corerr.ConfigError, "invalid t_load %q", args[0])
	}
	var _, setErr = s.fengineOps().SetDelaysAll(ctx, inst, tLoad, args[1:1+len(inst.Inputs)])
	if setErr != nil {
		return nil, setErr
	}
	return nil, nil
}

func handleDelay(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) != 3 {
		return nil, corerr.New(corerr.ConfigError, "delay requires <input> <t_load> <icd>")
	}
	var tLoad, parseErr = strconv.ParseFloat(args[1], 64)
	if parseErr != nil {
		return nil, corerr.New(corerr.ConfigError, "invalid t_load %q", args[1])
	}

	var input, ok = inst.InputByName(args[0])
	if !ok {
		return nil, corerr.New(corerr.InputUnknown, "no such input %q", args[0])
	}
	var icdByInput = make([]string, len(inst.Inputs))
	for i := range icdByInput {
		icdByInput[i] = "0,0:0,0"
	}
	icdByInput[input.Number] = args[2]

	var readbacks, setErr = s.fengineOps().SetDelaysAll(ctx, inst, tLoad, icdByInput)
	if setErr != nil {
		return nil, setErr
	}
	var rb = readbacks[input.Number]
	return []string{fmt.Sprintf("%g", rb.DelaySamples)}, nil
}

func handleAccumulationLength(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return []string{fmt.Sprintf("%g", inst.AccTimeSeconds)}, nil
	}
	var seconds, parseErr = strconv.ParseFloat(args[0], 64)
	if parseErr != nil {
		return nil, corerr.New(corerr.ConfigError, "invalid accumulation-length %q", args[0])
	}
	if setErr := s.xengineOps().SetAccumulationLength(ctx, inst, seconds, true); setErr != nil {
		return nil, setErr
	}
	return []string{fmt.Sprintf("%g", seconds)}, nil
}

func handleVaccSync(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	var tLoad float64
	if len(args) > 0 {
		var parsed, parseErr = strconv.ParseFloat(args[0], 64)
		if parseErr != nil {
			return nil, corerr.New(corerr.ConfigError, "invalid t_load %q", args[0])
		}
		tLoad = parsed
	}
	var result, syncErr = s.xengineOps().Sync(ctx, inst, tLoad)
	if syncErr != nil {
		return nil, syncErr
	}
	return []string{result.String()}, nil
}

func handleFrequencySelect(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) != 2 {
		return nil, corerr.New(corerr.ConfigError, "frequency-select requires <stream> <freq_hz>")
	}
	var requested, parseErr = strconv.ParseFloat(args[1], 64)
	if parseErr != nil {
		return nil, corerr.New(corerr.ConfigError, "invalid freq_hz %q", args[1])
	}
	var clamped = fengine.FrequencySelect(inst, requested)
	return []string{fmt.Sprintf("%g", clamped)}, nil
}

func handleQuantiserSnapshot(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, corerr.New(corerr.ConfigError, "quantiser-snapshot requires <input>")
	}
	var snap, snapErr = s.fengineOps().QuantiserSnapshot(ctx, inst, args[0])
	if snapErr != nil {
		return nil, snapErr
	}
	return []string{fmt.Sprintf("%d_fields", len(snap))}, nil
}

func handleAdcSnapshot(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) < 1 {
		return nil, corerr.New(corerr.ConfigError, "adc-snapshot requires <input> [t]")
	}
	var tLoad float64
	if len(args) > 1 {
		var parsed, parseErr = strconv.ParseFloat(args[1], 64)
		if parseErr != nil {
			return nil, corerr.New(corerr.ConfigError, "invalid t %q", args[1])
		}
		tLoad = parsed
	}
	var snap, snapErr = s.fengineOps().AdcSnapshot(ctx, inst, args[0], tLoad)
	if snapErr != nil {
		return nil, snapErr
	}
	return []string{fmt.Sprintf("%d_fields", len(snap))}, nil
}

func handleTransientBufferTrigger(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if triggerErr := s.fengineOps().TransientBufferTrigger(ctx, inst); triggerErr != nil {
		return nil, triggerErr
	}
	return nil, nil
}

func handleBeamWeights(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, corerr.New(corerr.ConfigError, "beam-weights requires <beam> <input> [w]")
	}
	var beam, ok = inst.Beams[args[0]]
	if !ok {
		return nil, corerr.New(corerr.InputUnknown, "no such beam %q", args[0])
	}
	if len(args) == 2 {
		var w, wok = beam.Weights[args[1]]
		if !wok {
			return nil, corerr.New(corerr.InputUnknown, "beam %s has no source %q", args[0], args[1])
		}
		return []string{fmt.Sprintf("%g", w.Weight)}, nil
	}
	var newWeight, parseErr = strconv.ParseFloat(args[2], 64)
	if parseErr != nil {
		return nil, corerr.New(corerr.ConfigError, "invalid weight %q", args[2])
	}
	var _, setErr = s.bengineOps().SetWeight(ctx, inst, beam, args[1], newWeight, false)
	if setErr != nil {
		return nil, setErr
	}
	return []string{fmt.Sprintf("%g", newWeight)}, nil
}

func handleBeamQuantGains(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) < 1 {
		return nil, corerr.New(corerr.ConfigError, "beam-quant-gains requires <beam> [g]")
	}
	var beam, ok = inst.Beams[args[0]]
	if !ok {
		return nil, corerr.New(corerr.InputUnknown, "no such beam %q", args[0])
	}
	if len(args) == 1 {
		return []string{fmt.Sprintf("%g", beam.QuantGain)}, nil
	}
	var gain, parseErr = strconv.ParseFloat(args[1], 64)
	if parseErr != nil {
		return nil, corerr.New(corerr.ConfigError, "invalid gain %q", args[1])
	}
	if setErr := s.bengineOps().SetQuantGain(ctx, inst, beam, gain); setErr != nil {
		return nil, setErr
	}
	return []string{fmt.Sprintf("%g", gain)}, nil
}

func handleBeamPassband(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) < 1 {
		return nil, corerr.New(corerr.ConfigError, "beam-passband requires <beam> [bw cf]")
	}
	var beam, ok = inst.Beams[args[0]]
	if !ok {
		return nil, corerr.New(corerr.InputUnknown, "no such beam %q", args[0])
	}
	if len(args) == 1 {
		return []string{fmt.Sprintf("%g", beam.Bandwidth), fmt.Sprintf("%g", beam.CenterFreq)}, nil
	}
	if len(args) != 3 {
		return nil, corerr.New(corerr.ConfigError, "beam-passband requires both bandwidth and centre frequency together")
	}
	var bw, bwErr = strconv.ParseFloat(args[1], 64)
	var cf, cfErr = strconv.ParseFloat(args[2], 64)
	if bwErr != nil || cfErr != nil {
		return nil, corerr.New(corerr.ConfigError, "invalid bandwidth/centre-frequency")
	}
	if setErr := s.bengineOps().SetPassband(ctx, inst, beam, bw, cf); setErr != nil {
		return nil, setErr
	}
	return []string{fmt.Sprintf("%g", bw), fmt.Sprintf("%g", cf)}, nil
}

func handleFFTShift(s *Server, ctx context.Context, args []string) ([]string, error) {
	var inst, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return []string{strconv.FormatUint(s.fftShiftMask, 10)}, nil
	}
	var mask, parseErr = strconv.ParseUint(args[0], 0, 64)
	if parseErr != nil {
		return nil, corerr.New(corerr.ConfigError, "invalid fft-shift mask %q", args[0])
	}
	if shiftErr := s.fengineOps().FFTShift(ctx, inst, mask); shiftErr != nil {
		return nil, shiftErr
	}
	s.mu.Lock()
	s.fftShiftMask = mask
	s.mu.Unlock()
	return []string{args[0]}, nil
}

func handleSensorValue(s *Server, ctx context.Context, args []string) ([]string, error) {
	var _, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, corerr.New(corerr.ConfigError, "sensor-value requires <name>")
	}
	var snap, ok = s.getSensors().Get(args[0])
	if !ok {
		return nil, corerr.New(corerr.InputUnknown, "no such sensor %q", args[0])
	}
	return []string{snap.Status.String(), snap.Value.String()}, nil
}

func handleSensorList(s *Server, ctx context.Context, args []string) ([]string, error) {
	var _, err = requireCreated(s)
	if err != nil {
		return nil, err
	}
	var snaps = s.getSensors().List()
	var names = make([]string, len(snaps))
	for i, snap := range snaps {
		names[i] = snap.Name
	}
	return names, nil
}

func boolArg(args []string, i int) bool {
	if i >= len(args) {
		return false
	}
	switch strings.ToLower(args[i]) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func hostNames(engines []*model.Engine) []string {
	var seen = map[string]bool{}
	var out []string
	for _, e := range engines {
		if !seen[e.Host.Name] {
			seen[e.Host.Name] = true
			out = append(out, e.Host.Name)
		}
	}
	return out
}

func errFields(errs map[string]error) map[string]any {
	var out = make(map[string]any, len(errs))
	for k, v := range errs {
		out[k] = v.Error()
	}
	return out
}
