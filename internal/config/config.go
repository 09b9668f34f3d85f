// Package config loads the declarative instrument descriptor (spec §6
// "Configuration document") and hands typed sections to the compiler in
// internal/model. It replaces the teacher's key=value ".conf" parser
// (config.go) with gopkg.in/yaml.v3, keeping the same "read a named
// section, validate ranges, default what's absent" discipline.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shaoguangleo/corr2/internal/corerr"
)

// EnvVar names the config document when no --config flag is passed
// (spec §6 "Environment").
const EnvVar = "CORR2_CONFIG"

// Document is the parsed instrument descriptor, mirroring spec §6's
// mandatory sections.
type Document struct {
	Instrument string            `yaml:"instrument"`
	FEngine    FEngineSection    `yaml:"fengine"`
	XEngine    XEngineSection    `yaml:"xengine"`
	Beams      map[string]Beam   `yaml:"beams"`
	Hosts      HostsSection      `yaml:"hosts"`
	Sensors    SensorsSection    `yaml:"sensors"`
	Metadata   MetadataSection   `yaml:"metadata"`
}

// FEngineSection is the [fengine] section.
type FEngineSection struct {
	NChans             int                `yaml:"n_chans"`
	SampleRateHz        float64            `yaml:"sample_rate_hz"`
	FPerFPGA            int                `yaml:"f_per_fpga"`
	DefaultEqPoly       []float64          `yaml:"default_eq_poly"`
	DestinationMcastIPs string             `yaml:"destination_mcast_ips"`
	InputDestinations   map[string]string  `yaml:"input_destinations"`   // "input_<n>_destination"
	EqPolys             map[string][]float64 `yaml:"eq_polys"`            // "eq_poly_<name>"
	InputLabels         []string           `yaml:"input_labels"`
	MinLoadLead         float64            `yaml:"min_load_lead"`
	JitterAllowed       float64            `yaml:"time_jitter_allowed"`
}

// XEngineSection is the [xengine] section.
type XEngineSection struct {
	XPerFPGA            int      `yaml:"x_per_fpga"`
	XengAccumulationLen int      `yaml:"xeng_accumulation_len"`
	AccTimeSeconds      float64  `yaml:"acc_time_seconds"`
	OutputProducts      []string `yaml:"output_products"`
	OutputDestinationIP string   `yaml:"output_destination_ip"`
	OutputDestinationPort int    `yaml:"output_destination_port"`
}

// Beam is one [beamN] section.
type Beam struct {
	StreamIndex    int               `yaml:"stream_index"`
	CenterFreq     float64           `yaml:"center_freq"`
	Bandwidth      float64           `yaml:"bandwidth"`
	OutputBits     int               `yaml:"beng_outbits"`
	QuantGain      float64           `yaml:"quant_gain"`
	OutputProducts []string          `yaml:"output_products"`
	Destination    string            `yaml:"destination"`
	SourceWeights  map[string]float64 `yaml:"source_weights"`
}

// HostsSection lists the ordered hosts for each engine kind. B-engines
// co-host with X-engines (spec §3), so there is no separate B list.
type HostsSection struct {
	FEngine []string `yaml:"fengine"`
	XEngine []string `yaml:"xengine"`
}

// SensorsSection configures the sensor manager (spec §4.6).
type SensorsSection struct {
	DefaultCadenceSeconds float64 `yaml:"default_cadence_seconds"`
}

// MetadataSection configures periodic SPEAD metadata re-transmission
// (spec §6 "Metadata wire format").
type MetadataSection struct {
	CadenceSeconds float64 `yaml:"cadence_seconds"` // default 5s; 0 disables
}

// Load reads and parses path, returning a *corerr.Error of kind
// config_error on any failure, naming the offending field where possible.
func Load(path string) (*Document, error) {
	var data, readErr = os.ReadFile(path)
	if readErr != nil {
		return nil, corerr.New(corerr.ConfigError, "reading %s: %v", path, readErr)
	}

	var doc Document
	// Apply defaults before unmarshalling so yaml only overrides them.
	doc.Metadata.CadenceSeconds = 5
	doc.Sensors.DefaultCadenceSeconds = 10

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, corerr.New(corerr.ConfigError, "parsing %s: %v", path, err)
	}

	if err := validate(&doc); err != nil {
		return nil, err
	}

	return &doc, nil
}

func validate(doc *Document) error {
	if doc.FEngine.NChans <= 0 {
		return corerr.New(corerr.ConfigError, "fengine.n_chans must be positive")
	}
	if doc.FEngine.SampleRateHz <= 0 {
		return corerr.New(corerr.ConfigError, "fengine.sample_rate_hz must be positive")
	}
	if doc.FEngine.FPerFPGA <= 0 {
		return corerr.New(corerr.ConfigError, "fengine.f_per_fpga must be positive")
	}
	if doc.XEngine.XPerFPGA <= 0 {
		return corerr.New(corerr.ConfigError, "xengine.x_per_fpga must be positive")
	}
	if doc.XEngine.XengAccumulationLen <= 0 {
		return corerr.New(corerr.ConfigError, "xengine.xeng_accumulation_len must be positive")
	}
	if len(doc.Hosts.FEngine) == 0 {
		return corerr.New(corerr.ConfigError, "hosts.fengine must not be empty")
	}
	if len(doc.Hosts.XEngine) == 0 {
		return corerr.New(corerr.ConfigError, "hosts.xengine must not be empty")
	}
	for name, destStr := range doc.FEngine.InputDestinations {
		if destStr == "" {
			return corerr.New(corerr.ConfigError, "input_destinations[%s] must not be empty", name)
		}
	}
	return nil
}

// ResolvePath returns the config path to use: the explicit flag value if
// non-empty, else the CORR2_CONFIG environment variable, else an error.
func ResolvePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if envValue := os.Getenv(EnvVar); envValue != "" {
		return envValue, nil
	}
	return "", corerr.New(corerr.ConfigError, "no config path given: pass --config or set %s", EnvVar)
}
