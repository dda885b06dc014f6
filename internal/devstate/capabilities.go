package devstate

// Capability flags advertised by a driver at probe time, optionally adjusted
// by database overrides. Mutations touching a capability the device lacks are
// rejected before they reach the actor.
type Capability uint32

const (
	CapSeparateXY Capability = 1 << iota
	CapDefaultResolution
	CapDisableResolution
	CapDisableProfile
	CapProfileName
	CapAngleSnapping
	CapDebounce
	CapButtonKey
	CapButtonSpecial
	CapButtonMacro
	CapLedColor
	CapLedBrightness
)

// ActionType enumerates button mapping variants. The numeric values are part
// of the published API and must stay stable.
type ActionType uint32

const (
	ActionNone    ActionType = 0
	ActionButton  ActionType = 1
	ActionSpecial ActionType = 2
	ActionKey     ActionType = 3
	ActionMacro   ActionType = 4
)

// LedMode values match the published API enumeration.
type LedMode uint32

const (
	LedOff       LedMode = 0
	LedSolid     LedMode = 1
	LedCycle     LedMode = 3
	LedWave      LedMode = 4
	LedStarlight LedMode = 5
	LedBreathing LedMode = 10
	LedTriColor  LedMode = 32
)

// Capabilities describes the fixed shape of a device: counts, allowed value
// sets and feature flags. It is immutable after probe.
type Capabilities struct {
	Flags Capability

	NumProfiles    int
	NumResolutions int
	NumButtons     int
	NumLeds        int

	ReportRates []uint32 // allowed polling rates, Hz
	Debounces   []uint32 // allowed debounce times, ms

	DpiList []uint32 // discrete allowed DPI values, ascending
	DpiMin  uint32
	DpiMax  uint32
	DpiStep uint32

	MacroLength int // maximum macro events per button

	LedModes   []LedMode
	ColorDepth uint32 // 1, 8 or 24 bits

	ButtonActions []ActionType
}

func (c Capabilities) Has(flag Capability) bool {
	return c.Flags&flag != 0
}

// AllowsDpi reports whether v is a permitted DPI value, checking the discrete
// list when present and the min/max/step range otherwise.
func (c Capabilities) AllowsDpi(v uint32) bool {
	if len(c.DpiList) > 0 {
		for _, d := range c.DpiList {
			if d == v {
				return true
			}
		}
		return false
	}
	if c.DpiMax == 0 {
		return false
	}
	if v < c.DpiMin || v > c.DpiMax {
		return false
	}
	if c.DpiStep > 1 && (v-c.DpiMin)%c.DpiStep != 0 {
		return false
	}
	return true
}

func (c Capabilities) AllowsReportRate(hz uint32) bool {
	for _, r := range c.ReportRates {
		if r == hz {
			return true
		}
	}
	return false
}

func (c Capabilities) AllowsDebounce(ms uint32) bool {
	for _, d := range c.Debounces {
		if d == ms {
			return true
		}
	}
	return false
}

func (c Capabilities) AllowsLedMode(m LedMode) bool {
	for _, lm := range c.LedModes {
		if lm == m {
			return true
		}
	}
	return false
}

func (c Capabilities) AllowsAction(a ActionType) bool {
	for _, t := range c.ButtonActions {
		if t == a {
			return true
		}
	}
	return false
}
