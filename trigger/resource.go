package trigger

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wippyai/psimon/errors"
)

// ProcRoot is the directory holding the system-wide pressure files.
const ProcRoot = "/proc/pressure"

// Resource selects which pressure file a trigger is armed on.
// The zero value is unset and rejected by Validate.
type Resource uint8

const (
	ResourceUnset Resource = iota
	CPU
	Memory
	IO
	IRQ
)

var resourceNames = [...]string{
	ResourceUnset: "unset",
	CPU:           "cpu",
	Memory:        "memory",
	IO:            "io",
	IRQ:           "irq",
}

func (r Resource) String() string {
	if int(r) < len(resourceNames) {
		return resourceNames[r]
	}
	return "resource(" + strconv.Itoa(int(r)) + ")"
}

func (r Resource) valid() bool {
	return r > ResourceUnset && r <= IRQ
}

// Path returns the system-wide control file for r.
func (r Resource) Path() string {
	return filepath.Join(ProcRoot, r.String())
}

// CgroupPath returns the control file for r inside a cgroup v2 directory.
func (r Resource) CgroupPath(cgroup string) string {
	return filepath.Join(cgroup, r.String()+".pressure")
}

// Exists reports whether the system-wide control file for r is present.
func (r Resource) Exists() bool {
	if !r.valid() {
		return false
	}
	_, err := os.Stat(r.Path())
	return err == nil
}

// ParseResource maps "cpu", "memory", "io" or "irq" to a Resource.
func ParseResource(s string) (Resource, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for r := CPU; r <= IRQ; r++ {
		if resourceNames[r] == name {
			return r, nil
		}
	}
	return ResourceUnset, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Field("resource").
		Value(s).
		Detail("unknown resource %q (want cpu, memory, io or irq)", s).
		Build()
}

// Stall selects between partial and full stall accounting.
// The zero value is unset and rejected by Validate.
type Stall uint8

const (
	StallUnset Stall = iota
	// StallSome fires when at least one task is stalled.
	StallSome
	// StallFull fires when all non-idle tasks are stalled at once.
	StallFull
)

func (s Stall) String() string {
	switch s {
	case StallSome:
		return "some"
	case StallFull:
		return "full"
	default:
		return "unset"
	}
}

// ParseStall maps "some" or "full" to a Stall.
func ParseStall(s string) (Stall, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "some":
		return StallSome, nil
	case "full":
		return StallFull, nil
	}
	return StallUnset, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Field("stall").
		Value(s).
		Detail("unknown stall kind %q (want some or full)", s).
		Build()
}
