// Package config loads the measurement settings from YAML and command-line
// flags. Flags override the file.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Rouzip/hwcounter/pkg/counter"
	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

type (
	// EventSpec names a built-in event, or defines a custom one when Type
	// is set. In YAML a bare string is a built-in name.
	EventSpec struct {
		Name   string `yaml:"name"`
		Type   string `yaml:"type,omitempty"`
		Config uint64 `yaml:"config,omitempty"`
	}

	// Workload is a Spin of Iterations followed by one strided pass over a
	// Buffer bytes long. A zero Buffer skips the memory pass.
	Workload struct {
		Iterations int `yaml:"iterations"`
		Rounds     int `yaml:"rounds"`
		Buffer     int `yaml:"buffer"`
		Stride     int `yaml:"stride"`
	}

	Log struct {
		Verbosity int `yaml:"verbosity"`
	}

	Config struct {
		Events     []EventSpec   `yaml:"events"`
		Grouped    bool          `yaml:"grouped"`
		Policy     string        `yaml:"policy"`
		Workload   Workload      `yaml:"workload"`
		Interval   time.Duration `yaml:"interval"`
		Listen     string        `yaml:"listen"`
		Crosscheck bool          `yaml:"crosscheck"`
		Log        Log           `yaml:"log"`
	}
)

const (
	EventsFlag     = "events"
	GroupedFlag    = "grouped"
	PolicyFlag     = "policy"
	IterationsFlag = "iterations"
	RoundsFlag     = "rounds"
	BufferFlag     = "buffer"
	StrideFlag     = "stride"
	IntervalFlag   = "interval"
	ListenFlag     = "listen"
	CrosscheckFlag = "crosscheck"
	VerbosityFlag  = "verbosity"
)

func (e *EventSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Name = node.Value
		return nil
	}
	type plain EventSpec
	return node.Decode((*plain)(e))
}

func (e EventSpec) MarshalYAML() (interface{}, error) {
	if e.Type == "" {
		return e.Name, nil
	}
	type plain EventSpec
	return plain(e), nil
}

// Event resolves the spec to a counter event.
func (e EventSpec) Event() (counter.Event, error) {
	if e.Type == "" {
		ev, ok := counter.LookupEvent(e.Name)
		if !ok {
			return counter.Event{}, fmt.Errorf("unknown event %q", e.Name)
		}
		return ev, nil
	}
	if e.Name == "" {
		return counter.Event{}, fmt.Errorf("custom %s event with config %#x has no name", e.Type, e.Config)
	}
	cat, err := counter.ParseCategory(e.Type)
	if err != nil {
		return counter.Event{}, err
	}
	return counter.Event{Name: e.Name, Category: cat, Selector: e.Config}, nil
}

// DefaultConfig measures the default events as one group, once, around a
// one million operation loop and a 16 MiB cache-line walk.
func DefaultConfig() *Config {
	events := counter.DefaultEvents()
	specs := make([]EventSpec, len(events))
	for i, e := range events {
		specs[i] = EventSpec{Name: e.Name}
	}
	return &Config{
		Events:  specs,
		Grouped: true,
		Workload: Workload{
			Iterations: 1_000_000,
			Rounds:     1,
			Buffer:     16 << 20,
			Stride:     64,
		},
		Listen: ":8080",
	}
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers the command-line flags with app and returns a
// ConfigUpdaterFn that copies the explicitly set ones into a Config.
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	events := app.Flag(EventsFlag, "Comma separated events to count: "+strings.Join(counter.EventNames(), ", ")).String()
	grouped := app.Flag(GroupedFlag, "Count the events as one group led by the first event").Default("true").Bool()
	policy := app.Flag(PolicyFlag, "What to do when a counter cannot be opened").Default("default").Enum("default", "fail-fast", "degrade")
	iterations := app.Flag(IterationsFlag, "Operations in the measured loop").Default("1000000").Int()
	rounds := app.Flag(RoundsFlag, "Measurement windows in one-shot mode").Default("1").Int()
	buffer := app.Flag(BufferFlag, "Bytes of memory walked after the loop; 0 disables the walk").Default("16777216").Int()
	stride := app.Flag(StrideFlag, "Step in bytes of the memory walk").Default("64").Int()
	interval := app.Flag(IntervalFlag, "Measure periodically at this interval and serve metrics; 0 measures once").Default("0s").Duration()
	listen := app.Flag(ListenFlag, "Metrics listen address in periodic mode").Default(":8080").String()
	crosscheck := app.Flag(CrosscheckFlag, "Also measure cycles and instructions through perf-utils").Default("false").Bool()
	verbosity := app.Flag(VerbosityFlag, "klog verbosity").Short('v').Default("0").Int()

	return func(cfg *Config) error {
		if flagsSet[EventsFlag] {
			cfg.Events = nil
			for _, name := range strings.Split(*events, ",") {
				cfg.Events = append(cfg.Events, EventSpec{Name: name})
			}
		}
		if flagsSet[GroupedFlag] {
			cfg.Grouped = *grouped
		}
		if flagsSet[PolicyFlag] {
			cfg.Policy = *policy
		}
		if flagsSet[IterationsFlag] {
			cfg.Workload.Iterations = *iterations
		}
		if flagsSet[RoundsFlag] {
			cfg.Workload.Rounds = *rounds
		}
		if flagsSet[BufferFlag] {
			cfg.Workload.Buffer = *buffer
		}
		if flagsSet[StrideFlag] {
			cfg.Workload.Stride = *stride
		}
		if flagsSet[IntervalFlag] {
			cfg.Interval = *interval
		}
		if flagsSet[ListenFlag] {
			cfg.Listen = *listen
		}
		if flagsSet[CrosscheckFlag] {
			cfg.Crosscheck = *crosscheck
		}
		if flagsSet[VerbosityFlag] {
			cfg.Log.Verbosity = *verbosity
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Policy = strings.ToLower(strings.TrimSpace(c.Policy))
	c.Listen = strings.TrimSpace(c.Listen)
	for i := range c.Events {
		c.Events[i].Name = strings.TrimSpace(c.Events[i].Name)
		c.Events[i].Type = strings.ToLower(strings.TrimSpace(c.Events[i].Type))
	}
}

// Validate checks for configuration errors
func (c *Config) Validate() error {
	var errs []string
	if _, err := c.CounterOptions(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Workload.Iterations <= 0 {
		errs = append(errs, fmt.Sprintf("invalid workload iterations: %d", c.Workload.Iterations))
	}
	if c.Workload.Rounds <= 0 {
		errs = append(errs, fmt.Sprintf("invalid workload rounds: %d", c.Workload.Rounds))
	}
	if c.Workload.Buffer < 0 {
		errs = append(errs, fmt.Sprintf("invalid workload buffer: %d", c.Workload.Buffer))
	}
	if c.Workload.Buffer > 0 && c.Workload.Stride <= 0 {
		errs = append(errs, fmt.Sprintf("invalid workload stride: %d", c.Workload.Stride))
	}
	if c.Interval < 0 {
		errs = append(errs, fmt.Sprintf("invalid interval: %s", c.Interval))
	}
	if c.Interval > 0 && c.Listen == "" {
		errs = append(errs, "listen address is required in periodic mode")
	}
	if c.Log.Verbosity < 0 {
		errs = append(errs, fmt.Sprintf("invalid verbosity: %d", c.Log.Verbosity))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

// CounterOptions converts the event settings to counter.Options.
func (c *Config) CounterOptions() (counter.Options, error) {
	opts := counter.Options{Grouped: c.Grouped}

	policy, err := counter.ParsePolicy(c.Policy)
	if err != nil {
		return opts, err
	}
	opts.Policy = policy

	if len(c.Events) == 0 {
		return opts, fmt.Errorf("no events configured")
	}
	for _, spec := range c.Events {
		e, err := spec.Event()
		if err != nil {
			return opts, err
		}
		opts.Events = append(opts.Events, e)
	}
	return opts, nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%+v", *c)
	}
	return string(bytes)
}
