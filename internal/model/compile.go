package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shaoguangleo/corr2/internal/addr"
	"github.com/shaoguangleo/corr2/internal/config"
	"github.com/shaoguangleo/corr2/internal/corerr"
)

// Compile runs the algorithm of spec §4.3: parse digitiser input
// streams, bind each to its owning F-engine, construct the F-engine and
// X-engine output streams, resolve beams, and validate the engine/input
// count invariants. Any shortfall surfaces as a corerr of kind
// config_error naming the offending field.
func Compile(doc *config.Document) (*Instrument, error) {
	var inst = &Instrument{
		Name:                doc.Instrument,
		Hosts:               map[string]*Host{},
		Beams:               map[string]*Beam{},
		Streams:             map[string]*DataStream{},
		FPerFPGA:            doc.FEngine.FPerFPGA,
		XPerFPGA:            doc.XEngine.XPerFPGA,
		NChans:              doc.FEngine.NChans,
		SampleRateHz:        doc.FEngine.SampleRateHz,
		XengAccumulationLen: doc.XEngine.XengAccumulationLen,
		AccTimeSeconds:      doc.XEngine.AccTimeSeconds,
	}

	for _, name := range doc.Hosts.FEngine {
		inst.Hosts[name] = &Host{Name: name, Registers: map[string]bool{}}
	}
	for _, name := range doc.Hosts.XEngine {
		inst.Hosts[name] = &Host{Name: name, Registers: map[string]bool{}}
	}

	// Step 1: Build F-engines, one per FPerFPGA inputs, bound to hosts
	// in config order.
	var numInputs = countInputs(doc)
	if numInputs == 0 {
		return nil, corerr.New(corerr.ConfigError, "no input_<n>_destination entries found")
	}

	if numInputs%doc.FEngine.FPerFPGA != 0 {
		return nil, corerr.New(corerr.ConfigError,
			"input count %d is not a multiple of fengine.f_per_fpga %d", numInputs, doc.FEngine.FPerFPGA)
	}
	var numFEngines = numInputs / doc.FEngine.FPerFPGA
	if numFEngines != len(doc.Hosts.FEngine) {
		return nil, corerr.New(corerr.ConfigError,
			"hosts.fengine lists %d entries but %d inputs at f_per_fpga=%d require %d F-engines",
			len(doc.Hosts.FEngine), numInputs, doc.FEngine.FPerFPGA, numFEngines)
	}

	// Lay out F-engines: one engine per entry in hosts.fengine, offset
	// within a host tracked by how many times that host name has
	// already appeared in the list (a board running several logical
	// F-engines repeats its name).
	var fengines = make([]*Engine, 0, numFEngines)
	var seenOnHost = map[string]int{}
	for _, hostName := range doc.Hosts.FEngine {
		var host = inst.Hosts[hostName]
		var offset = seenOnHost[hostName]
		seenOnHost[hostName] = offset + 1
		fengines = append(fengines, &Engine{Kind: KindF, Number: len(fengines), Host: host, Offset: offset})
	}
	inst.FEngines = fengines

	// Step 2: parse digitiser input streams, order by input number, bind
	// each to its owning F-engine at offset input_number mod f_per_fpga
	// on host input_number / f_per_fpga.
	var inputNums = make([]int, 0, len(doc.FEngine.InputDestinations))
	var destByNum = map[int]string{}
	for key, dest := range doc.FEngine.InputDestinations {
		var n, err = parseInputKey(key)
		if err != nil {
			return nil, err
		}
		inputNums = append(inputNums, n)
		destByNum[n] = dest
	}
	sort.Ints(inputNums)

	if len(inputNums) != numInputs {
		return nil, corerr.New(corerr.ConfigError, "expected %d distinct input destinations, found %d", numInputs, len(inputNums))
	}
	for i, n := range inputNums {
		if n != i {
			return nil, corerr.New(corerr.ConfigError, "input numbers must be dense starting at 0; missing input %d", i)
		}
	}

	var labels = doc.FEngine.InputLabels
	if len(labels) == 0 {
		labels = defaultLabels(numInputs)
	}
	if len(labels) != numInputs {
		return nil, corerr.New(corerr.ConfigError, "input_labels has %d entries, expected %d", len(labels), numInputs)
	}
	if err := checkUniqueLabels(labels); err != nil {
		return nil, err
	}

	var inputsPerFengineStreamRange = -1
	inst.Inputs = make([]*Input, numInputs)
	for n := 0; n < numInputs; n++ {
		var destStr = destByNum[n]
		var destAddr, parseErr = addr.Parse(destStr)
		if parseErr != nil {
			return nil, corerr.New(corerr.ConfigError, "input_%d_destination %q: %v", n, destStr, parseErr)
		}

		// Step 3: verify every input's destination has the same range
		// (inputs_per_fengine_stream).
		if inputsPerFengineStreamRange == -1 {
			inputsPerFengineStreamRange = destAddr.Range()
		} else if destAddr.Range() != inputsPerFengineStreamRange {
			return nil, corerr.New(corerr.ConfigError,
				"input_%d_destination range %d does not match earlier range %d", n, destAddr.Range(), inputsPerFengineStreamRange)
		}

		var fengineIdx = n / doc.FEngine.FPerFPGA
		if fengineIdx >= len(fengines) {
			return nil, corerr.New(corerr.ConfigError, "input %d maps to F-engine %d, only %d exist", n, fengineIdx, len(fengines))
		}

		var eq, eqErr = resolveEq(doc, labels[n], inst.NChans)
		if eqErr != nil {
			return nil, eqErr
		}

		inst.Inputs[n] = &Input{
			Number:     n,
			Label:      labels[n],
			Eq:         eq,
			Delay:      DelayModel{LoadSampleCount: -1},
			FEngine:    fengines[fengineIdx],
			OffsetOnFE: n % doc.FEngine.FPerFPGA,
		}
	}

	// Validate counts: |F-engines| x f_per_fpga = |inputs|.
	if len(fengines)*doc.FEngine.FPerFPGA != numInputs {
		return nil, corerr.New(corerr.ConfigError,
			"f-engine count %d x f_per_fpga %d != input count %d", len(fengines), doc.FEngine.FPerFPGA, numInputs)
	}

	// Step 4: construct the F-engine output stream, range = num_xengines.
	var numXEngines = len(doc.Hosts.XEngine) * doc.XEngine.XPerFPGA
	if numXEngines <= 0 {
		return nil, corerr.New(corerr.ConfigError, "xengine host/per-fpga configuration yields zero X-engines")
	}

	var feOutBase, feOutErr = addr.Parse(doc.FEngine.DestinationMcastIPs)
	if feOutErr != nil {
		return nil, corerr.New(corerr.ConfigError, "fengine.destination_mcast_ips %q: %v", doc.FEngine.DestinationMcastIPs, feOutErr)
	}
	feOutBase.N = numXEngines - 1
	inst.FEngineOutput = DataStream{
		Name:        "antenna-channelised-voltage",
		Category:    CategoryFChannelised,
		Destination: feOutBase,
		Enabled:     true,
	}
	inst.Streams[inst.FEngineOutput.Name] = &inst.FEngineOutput

	// Digitiser streams, one per input, recorded in the registry too.
	for n := 0; n < numInputs; n++ {
		var destAddr, _ = addr.Parse(destByNum[n])
		var name = fmt.Sprintf("digitiser.%s", inst.Inputs[n].Label)
		var ds = DataStream{Name: name, Category: CategoryDigitiser, Destination: destAddr, Enabled: true}
		inst.Streams[name] = &ds
	}

	// Build X-engines: x_per_fpga per configured X host.
	var xengines = make([]*Engine, 0, numXEngines)
	for _, hostName := range doc.Hosts.XEngine {
		var host = inst.Hosts[hostName]
		for o := 0; o < doc.XEngine.XPerFPGA; o++ {
			xengines = append(xengines, &Engine{Kind: KindX, Number: len(xengines), Host: host, Offset: o})
		}
	}
	inst.XEngines = xengines

	var xOutBase = addr.Address{}
	if doc.XEngine.OutputDestinationIP != "" {
		var parsed, err = addr.Parse(fmt.Sprintf("%s:%d", doc.XEngine.OutputDestinationIP, doc.XEngine.OutputDestinationPort))
		if err != nil {
			return nil, corerr.New(corerr.ConfigError, "xengine output destination: %v", err)
		}
		xOutBase = parsed
	}
	inst.XEngineOutput = DataStream{
		Name:        "baseline-correlation-products",
		Category:    CategoryXCrossProducts,
		Destination: xOutBase,
		Enabled:     true,
	}
	inst.Streams[inst.XEngineOutput.Name] = &inst.XEngineOutput

	// B-engines: co-hosted with X-engines, one per X-engine on the same
	// host and offset (spec §3: "Each B-engine is co-hosted with an X-engine").
	var bengines = make([]*Engine, 0)
	for i, xe := range xengines {
		bengines = append(bengines, &Engine{Kind: KindB, Number: i, Host: xe.Host, Offset: xe.Offset})
	}
	inst.BEngines = bengines

	// Step 5: resolve beams.
	var beamNames = make([]string, 0, len(doc.Beams))
	for name := range doc.Beams {
		beamNames = append(beamNames, name)
	}
	sort.Strings(beamNames)

	for _, name := range beamNames {
		var bc = doc.Beams[name]
		var dest, destErr = addr.Parse(bc.Destination)
		if destErr != nil {
			return nil, corerr.New(corerr.ConfigError, "beam %s destination %q: %v", name, bc.Destination, destErr)
		}
		if dest.Range() != 1 {
			return nil, corerr.New(corerr.ConfigError, "beam %s destination must have range=1 before multiplication, got %d", name, dest.Range())
		}
		dest.N = inst.NumBEngines() - 1

		var sourceNames = make([]string, 0, len(bc.SourceWeights))
		for srcName := range bc.SourceWeights {
			sourceNames = append(sourceNames, srcName)
		}
		sort.Strings(sourceNames)

		var weights = map[string]BeamWeight{}
		for idx, srcName := range sourceNames {
			weights[srcName] = BeamWeight{Weight: bc.SourceWeights[srcName], SourceIndex: idx}
		}

		var beamEngine *Engine
		if bc.StreamIndex < len(bengines) {
			beamEngine = bengines[bc.StreamIndex]
		}

		inst.Beams[name] = &Beam{
			Index:       bc.StreamIndex,
			Name:        name,
			Destination: dest,
			CenterFreq:  bc.CenterFreq,
			Bandwidth:   bc.Bandwidth,
			OutputBits:  bc.OutputBits,
			QuantGain:   bc.QuantGain,
			Weights:     weights,
			Engine:      beamEngine,
		}

		var streamName = fmt.Sprintf("tied-array-channelised-voltage-%s", name)
		var ds = DataStream{Name: streamName, Category: CategoryBeamTimeDomain, Destination: dest, Enabled: true}
		inst.Streams[streamName] = &ds
	}

	return inst, nil
}

func countInputs(doc *config.Document) int {
	return len(doc.FEngine.InputDestinations)
}

func parseInputKey(key string) (int, error) {
	// Accept either a bare numeric key ("0") or "input_<n>_destination"
	// style keys, so config authors can write either.
	var trimmed = strings.TrimSuffix(strings.TrimPrefix(key, "input_"), "_destination")
	var n, err = strconv.Atoi(trimmed)
	if err != nil {
		return 0, corerr.New(corerr.ConfigError, "invalid input destination key %q", key)
	}
	return n, nil
}

func defaultLabels(numInputs int) []string {
	// original_source default naming: <ant><pol> in input-number order,
	// two polarisations per antenna (spec SPEC_FULL.md §4 item 1).
	var out = make([]string, numInputs)
	for n := 0; n < numInputs; n++ {
		var ant = n / 2
		var pol = "x"
		if n%2 == 1 {
			pol = "y"
		}
		out[n] = fmt.Sprintf("ant%d%s", ant, pol)
	}
	return out
}

func checkUniqueLabels(labels []string) error {
	var seen = make(map[string]bool, len(labels))
	for _, l := range labels {
		if seen[l] {
			return corerr.New(corerr.ConfigError, "duplicate input label %q", l)
		}
		seen[l] = true
	}
	return nil
}

func resolveEq(doc *config.Document, label string, nChans int) (Equaliser, error) {
	var poly, ok = doc.FEngine.EqPolys[label]
	if !ok {
		poly = doc.FEngine.DefaultEqPoly
	}
	if len(poly) == 0 {
		return Equaliser{Kind: EQScalar, Scalar: complex(1, 0)}, nil
	}
	if len(poly) == 1 {
		return Equaliser{Kind: EQScalar, Scalar: complex(poly[0], 0)}, nil
	}
	return Equaliser{Kind: EQPolynomial, PolyCoef: poly}, nil
}
