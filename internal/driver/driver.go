// Package driver defines the capability surface every protocol dialect
// implements, and the registry the supervisor uses to instantiate the dialect
// a database entry names.
package driver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/hidio"
)

var (
	// ErrUnsupported reports a probed device that does not speak this
	// dialect.
	ErrUnsupported = errors.New("device does not speak this protocol")
	// ErrProtocol reports an error response or unparseable data from the
	// device.
	ErrProtocol = errors.New("protocol error")
	// ErrRejected reports the device refusing an otherwise well-formed write.
	ErrRejected = errors.New("device rejected the write")
)

// PartialCommitError reports a commit sequence that failed after some writes
// already reached the device. Written names the subtrees the driver confirmed
// written before the failure; the rest of the diff is in unknown state.
type PartialCommitError struct {
	Written []devstate.ProfileDiff
	Err     error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("partial commit: %d subtree(s) written before failure: %v", len(e.Written), e.Err)
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

// Driver is the uniform surface of a protocol dialect. Implementations keep
// whatever per-connection protocol state they need (feature tables, register
// caches) between calls; a Driver instance serves exactly one device.
type Driver interface {
	// Name returns the dialect name for logging.
	Name() string

	// Probe confirms the device speaks this dialect and discovers the fixed
	// capability set. It must not modify the device's persistent state.
	Probe(ctx context.Context, io *hidio.DeviceIo) (devstate.Capabilities, error)

	// LoadProfiles reads the complete current state from the device into a
	// fully populated profile list with active and default flags set.
	LoadProfiles(ctx context.Context, io *hidio.DeviceIo, caps devstate.Capabilities) ([]devstate.Profile, error)

	// Commit applies the diff to the device in protocol order. Drivers may
	// rewrite more than the diff requires, but a mid-sequence failure must
	// be reported as a PartialCommitError naming the subtrees written.
	Commit(ctx context.Context, io *hidio.DeviceIo, dev *devstate.Device, diff devstate.Diff) error
}

// Quirks carries per-device-entry tweaks from the database.
type Quirks map[string]any

func (q Quirks) Bool(key string) bool {
	v, ok := q[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (q Quirks) Int(key string, def int) int {
	v, ok := q[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func (q Quirks) String(key string) string {
	v, ok := q[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Hints are the database-sourced shape of a device: fixed counts and value
// sets the wire protocol cannot discover by itself, plus capability
// overrides applied on top of what the driver probes.
type Hints struct {
	Profiles    int
	Resolutions int
	Buttons     int
	Leds        int

	DpiList []uint32
	DpiMin  uint32
	DpiMax  uint32
	DpiStep uint32

	ReportRates []uint32
	MacroLength int
	LedModes    []devstate.LedMode

	AddFlags   devstate.Capability
	ClearFlags devstate.Capability
}

// Apply folds the hints into a probed capability set. Database values win
// over driver defaults wherever both are present.
func (h Hints) Apply(caps devstate.Capabilities) devstate.Capabilities {
	if h.Profiles > 0 {
		caps.NumProfiles = h.Profiles
	}
	if h.Resolutions > 0 {
		caps.NumResolutions = h.Resolutions
	}
	if h.Buttons > 0 {
		caps.NumButtons = h.Buttons
	}
	if h.Leds > 0 {
		caps.NumLeds = h.Leds
	}
	if len(h.DpiList) > 0 {
		caps.DpiList = h.DpiList
	}
	if h.DpiMax > 0 {
		caps.DpiMin = h.DpiMin
		caps.DpiMax = h.DpiMax
		caps.DpiStep = h.DpiStep
	}
	if len(h.ReportRates) > 0 {
		caps.ReportRates = h.ReportRates
	}
	if h.MacroLength > 0 {
		caps.MacroLength = h.MacroLength
	}
	if len(h.LedModes) > 0 {
		caps.LedModes = h.LedModes
	}
	caps.Flags |= h.AddFlags
	caps.Flags &^= h.ClearFlags
	return caps
}

// Options configures a dialect instance for one device.
type Options struct {
	Log    *zap.Logger
	Quirks Quirks
	Hints  Hints
}

// Factory builds a dialect instance bound to one device.
type Factory func(opts Options) Driver

// Registry maps database driver names to dialect factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register panics on duplicate names; drivers are wired once at startup.
func (r *Registry) Register(name string, f Factory) {
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("driver already registered: %s", name))
	}
	r.factories[name] = f
}

func (r *Registry) New(name string, opts Options) (Driver, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver: %s", name)
	}
	return f(opts), nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
