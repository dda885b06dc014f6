// Package devstate holds the canonical in-memory model of a device: a
// last-committed snapshot and a pending snapshot with dirty tracking. The
// owning actor is the only writer; readers receive deep-copied snapshots.
package devstate

import (
	"errors"
)

var (
	// ErrOutOfRange reports a mutation value outside the capability-declared
	// range or set.
	ErrOutOfRange = errors.New("value out of range")
	// ErrUnsupported reports a mutation requiring a capability the device
	// does not have.
	ErrUnsupported = errors.New("unsupported capability")
	// ErrMalformedMacro reports a macro exceeding the device limit or
	// containing invalid events.
	ErrMalformedMacro = errors.New("malformed macro")
	// ErrUnknown reports a read of a field invalidated by a partial commit.
	ErrUnknown = errors.New("field state unknown")
)

type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

type MacroEvent struct {
	Keycode uint16 `json:"keycode"`
	Press   bool   `json:"press"`
}

// ButtonAction is the tagged variant stored per button slot. Only the fields
// relevant to Type are meaningful.
type ButtonAction struct {
	Type      ActionType   `json:"type"`
	Button    uint32       `json:"button,omitempty"`
	Special   uint32       `json:"special,omitempty"`
	Key       uint16       `json:"key,omitempty"`
	Modifiers []uint16     `json:"modifiers,omitempty"`
	Macro     []MacroEvent `json:"macro,omitempty"`
}

func (a ButtonAction) equal(b ButtonAction) bool {
	if a.Type != b.Type || a.Button != b.Button || a.Special != b.Special || a.Key != b.Key {
		return false
	}
	if len(a.Modifiers) != len(b.Modifiers) || len(a.Macro) != len(b.Macro) {
		return false
	}
	for i := range a.Modifiers {
		if a.Modifiers[i] != b.Modifiers[i] {
			return false
		}
	}
	for i := range a.Macro {
		if a.Macro[i] != b.Macro[i] {
			return false
		}
	}
	return true
}

type Resolution struct {
	Index   int    `json:"index"`
	DpiX    uint32 `json:"dpiX"`
	DpiY    uint32 `json:"dpiY"`
	Enabled bool   `json:"enabled"`
	Active  bool   `json:"active"`
	Default bool   `json:"default"`
	Unknown bool   `json:"unknown,omitempty"`
}

type Button struct {
	Index   int          `json:"index"`
	Action  ButtonAction `json:"action"`
	Unknown bool         `json:"unknown,omitempty"`
}

type Led struct {
	Index          int     `json:"index"`
	Mode           LedMode `json:"mode"`
	Color          RGB     `json:"color"`
	ColorSecondary RGB     `json:"colorSecondary"`
	ColorTertiary  RGB     `json:"colorTertiary"`
	Brightness     uint8   `json:"brightness"`
	EffectDuration uint32  `json:"effectDuration"`
	ColorDepth     uint32  `json:"colorDepth"`
	Unknown        bool    `json:"unknown,omitempty"`
}

type Profile struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	Active        bool   `json:"active"`
	ReportRate    uint32 `json:"reportRate"`
	AngleSnapping bool   `json:"angleSnapping"`
	Debounce      uint32 `json:"debounce"`
	Dirty         bool   `json:"dirty"`

	Resolutions []Resolution `json:"resolutions"`
	Buttons     []Button     `json:"buttons"`
	Leds        []Led        `json:"leds"`
}

// Device is the state root: identity plus the ordered profile list.
type Device struct {
	Sysname         string    `json:"sysname"`
	Name            string    `json:"name"`
	Model           string    `json:"model"`
	FirmwareVersion string    `json:"firmwareVersion,omitempty"`
	Profiles        []Profile `json:"profiles"`
}

func (d *Device) Clone() Device {
	out := *d
	out.Profiles = make([]Profile, len(d.Profiles))
	for i, p := range d.Profiles {
		np := p
		np.Resolutions = append([]Resolution(nil), p.Resolutions...)
		np.Buttons = make([]Button, len(p.Buttons))
		for j, b := range p.Buttons {
			nb := b
			nb.Action.Modifiers = append([]uint16(nil), b.Action.Modifiers...)
			nb.Action.Macro = append([]MacroEvent(nil), b.Action.Macro...)
			np.Buttons[j] = nb
		}
		np.Leds = append([]Led(nil), p.Leds...)
		out.Profiles[i] = np
	}
	return out
}

// ActiveProfile returns the index of the active profile, or -1.
func (d *Device) ActiveProfile() int {
	for i := range d.Profiles {
		if d.Profiles[i].Active {
			return i
		}
	}
	return -1
}

// Snapshot is an immutable view handed to readers. Pending reflects all
// applied mutations; Committed is the last state confirmed on hardware.
type Snapshot struct {
	Version   uint64
	Caps      Capabilities
	Pending   Device
	Committed Device
}

// State pairs the pending and last-committed device snapshots. It is not
// safe for concurrent use; the per-device actor serialises access.
type State struct {
	caps      Capabilities
	pending   Device
	committed Device
	version   uint64
}

// New builds a State from the driver-reported device. Both snapshots start
// equal and clean.
func New(caps Capabilities, dev Device) *State {
	return &State{
		caps:      caps,
		pending:   dev.Clone(),
		committed: dev.Clone(),
	}
}

func (s *State) Caps() Capabilities { return s.caps }

// Apply validates the mutation against the capability set and the current
// pending state, applies it, and recomputes the dirty flags. The pending
// state is untouched when validation fails.
func (s *State) Apply(m Mutation) error {
	if err := m.validate(s.caps, &s.pending); err != nil {
		return err
	}
	m.apply(s.caps, &s.pending)
	s.recomputeDirty()
	s.version++
	return nil
}

// CommitSuccess promotes pending to last-committed and clears dirty flags.
func (s *State) CommitSuccess() {
	s.committed = s.pending.Clone()
	s.recomputeDirty()
	s.version++
}

// CommitPartialFailure marks the named subtrees as unknown: their hardware
// state can no longer be assumed to match either snapshot. The affected
// profiles stay dirty until a reload.
func (s *State) CommitPartialFailure(parts []ProfileDiff) {
	for _, part := range parts {
		if part.Index < 0 || part.Index >= len(s.pending.Profiles) {
			continue
		}
		markUnknown(&s.pending.Profiles[part.Index], part)
		markUnknown(&s.committed.Profiles[part.Index], part)
		s.pending.Profiles[part.Index].Dirty = true
	}
	s.version++
}

func markUnknown(p *Profile, part ProfileDiff) {
	for _, i := range part.Resolutions {
		if i >= 0 && i < len(p.Resolutions) {
			p.Resolutions[i].Unknown = true
		}
	}
	for _, i := range part.Buttons {
		if i >= 0 && i < len(p.Buttons) {
			p.Buttons[i].Unknown = true
		}
	}
	for _, i := range part.Leds {
		if i >= 0 && i < len(p.Leds) {
			p.Leds[i].Unknown = true
		}
	}
}

// Reload replaces both snapshots with the freshly loaded device state,
// clearing every dirty and unknown flag.
func (s *State) Reload(dev Device) {
	s.pending = dev.Clone()
	s.committed = dev.Clone()
	s.recomputeDirty()
	s.version++
}

// Snapshot returns a deep-copied view of both snapshots.
func (s *State) Snapshot() *Snapshot {
	return &Snapshot{
		Version:   s.version,
		Caps:      s.caps,
		Pending:   s.pending.Clone(),
		Committed: s.committed.Clone(),
	}
}

func (s *State) recomputeDirty() {
	for i := range s.pending.Profiles {
		s.committed.Profiles[i].Dirty = false
		s.pending.Profiles[i].Dirty = !profileEqual(&s.pending.Profiles[i], &s.committed.Profiles[i])
	}
}

func profileEqual(a, b *Profile) bool {
	if a.Name != b.Name || a.Enabled != b.Enabled || a.Active != b.Active ||
		a.ReportRate != b.ReportRate || a.AngleSnapping != b.AngleSnapping ||
		a.Debounce != b.Debounce {
		return false
	}
	for i := range a.Resolutions {
		ra, rb := a.Resolutions[i], b.Resolutions[i]
		ra.Unknown, rb.Unknown = false, false
		if ra != rb {
			return false
		}
	}
	for i := range a.Buttons {
		if !a.Buttons[i].Action.equal(b.Buttons[i].Action) {
			return false
		}
	}
	for i := range a.Leds {
		la, lb := a.Leds[i], b.Leds[i]
		la.Unknown, lb.Unknown = false, false
		if la != lb {
			return false
		}
	}
	return true
}
