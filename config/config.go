// Package config loads trigger sets from YAML files and command-line
// trigger expressions.
//
// A configuration file looks like:
//
//	dispatcher: task
//	log_level: info
//	triggers:
//	  - name: cpu-some
//	    resource: cpu
//	    stall: some
//	    amount: 150ms
//	    window: 1s
//	  - name: web-memory
//	    resource: memory
//	    stall: full
//	    amount: 100ms
//	    window: 2s
//	    cgroup: /sys/fs/cgroup/system.slice/web.service
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/psimon/errors"
	"github.com/wippyai/psimon/trigger"
)

// Dispatcher kinds accepted in Config.Dispatcher.
const (
	DispatcherThread = "thread"
	DispatcherTask   = "task"
)

// Config is a set of triggers and the runtime options to monitor them with.
type Config struct {
	Dispatcher string        `yaml:"dispatcher"`
	LogLevel   string        `yaml:"log_level"`
	Triggers   []Trigger     `yaml:"triggers"`
	MinWindow  time.Duration `yaml:"min_window"`
	MaxWindow  time.Duration `yaml:"max_window"`

	// WindowGranularity requires windows to be a multiple of it. Set it to
	// 2s when running without CAP_SYS_RESOURCE.
	WindowGranularity time.Duration `yaml:"window_granularity"`
}

// Trigger is one named trigger definition.
type Trigger struct {
	Name     string        `yaml:"name"`
	Resource string        `yaml:"resource"`
	Stall    string        `yaml:"stall"`
	Cgroup   string        `yaml:"cgroup"`
	Amount   time.Duration `yaml:"amount"`
	Window   time.Duration `yaml:"window"`
}

// Default returns an empty configuration using the thread dispatcher.
func Default() *Config {
	return &Config{
		Dispatcher: DispatcherThread,
		LogLevel:   "info",
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path(path).
			Cause(err).
			Detail("read config").
			Build()
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		var e *errors.Error
		if stderrors.As(err, &e) && e.Path == "" {
			e.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration. Unknown keys are
// rejected and unset options take their defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Limits returns the window bounds triggers are validated against.
func (c *Config) Limits() trigger.Limits {
	l := trigger.DefaultLimits
	if c.MinWindow > 0 {
		l.MinWindow = c.MinWindow
	}
	if c.MaxWindow > 0 {
		l.MaxWindow = c.MaxWindow
	}
	if c.WindowGranularity > 0 {
		l.Granularity = c.WindowGranularity
	}
	return l
}

// Validate checks the dispatcher kind, fills in missing trigger names and
// validates every trigger. Names must be unique.
func (c *Config) Validate() error {
	switch c.Dispatcher {
	case "":
		c.Dispatcher = DispatcherThread
	case DispatcherThread, DispatcherTask:
	default:
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Field("dispatcher").
			Value(c.Dispatcher).
			Detail("unknown dispatcher %q (want thread or task)", c.Dispatcher).
			Build()
	}

	limits := c.Limits()
	seen := make(map[string]int, len(c.Triggers))
	for i := range c.Triggers {
		t := &c.Triggers[i]
		if t.Name == "" {
			t.Name = t.defaultName(i)
		}
		if prev, ok := seen[t.Name]; ok {
			return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Field(fmt.Sprintf("triggers[%d].name", i)).
				Value(t.Name).
				Detail("duplicate of triggers[%d]", prev).
				Build()
		}
		seen[t.Name] = i
		if _, err := t.Spec(limits); err != nil {
			return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Field(fmt.Sprintf("triggers[%d]", i)).
				Value(t.Name).
				Cause(err).
				Detail("invalid trigger").
				Build()
		}
	}
	return nil
}

func (t Trigger) defaultName(i int) string {
	return fmt.Sprintf("%s-%s-%d", strings.ToLower(t.Resource), strings.ToLower(t.Stall), i)
}

// Spec converts the definition into a validated trigger spec.
func (t Trigger) Spec(limits trigger.Limits) (trigger.Spec, error) {
	s := trigger.NewSpec()
	s.Limits = limits
	s.Amount = t.Amount
	s.Window = t.Window
	s.Cgroup = t.Cgroup

	var err error
	if t.Resource != "" {
		if s.Resource, err = trigger.ParseResource(t.Resource); err != nil {
			return s, err
		}
	}
	if t.Stall != "" {
		if s.Stall, err = trigger.ParseStall(t.Stall); err != nil {
			return s, err
		}
	}
	return s, s.Validate()
}

// ParseTrigger parses a command-line trigger expression of the form
// resource:stall:amount:window[:cgroup], for example "memory:full:100ms:1s".
func ParseTrigger(expr string) (Trigger, error) {
	parts := strings.SplitN(expr, ":", 5)
	if len(parts) < 4 {
		return Trigger{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Value(expr).
			Detail("trigger %q: want resource:stall:amount:window[:cgroup]", expr).
			Build()
	}

	t := Trigger{Resource: parts[0], Stall: parts[1]}
	var err error
	if t.Amount, err = time.ParseDuration(parts[2]); err != nil {
		return Trigger{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Field("amount").
			Value(parts[2]).
			Cause(err).
			Build()
	}
	if t.Window, err = time.ParseDuration(parts[3]); err != nil {
		return Trigger{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Field("window").
			Value(parts[3]).
			Cause(err).
			Build()
	}
	if len(parts) == 5 {
		t.Cgroup = parts[4]
	}
	return t, nil
}
