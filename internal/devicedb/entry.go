package devicedb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
)

// BusType identifies the transport in match patterns and lookup keys.
type BusType string

const (
	BusUSB       BusType = "usb"
	BusBluetooth BusType = "bluetooth"
)

// BusTypeFromNumber translates the numeric bustype from the kernel HID_ID
// attribute.
func BusTypeFromNumber(bustype uint16) BusType {
	switch bustype {
	case 0x03:
		return BusUSB
	case 0x05:
		return BusBluetooth
	default:
		return BusType(fmt.Sprintf("%04x", bustype))
	}
}

// Match is one bus:vid:pid pattern from a device entry.
type Match struct {
	Bus     BusType
	Vendor  uint16
	Product uint16
}

func (m Match) String() string {
	return fmt.Sprintf("%s:%04x:%04x", m.Bus, m.Vendor, m.Product)
}

// ParseMatch parses a pattern like "usb:046d:c539".
func ParseMatch(s string) (Match, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Match{}, fmt.Errorf("invalid device match pattern: %q", s)
	}
	vendor, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return Match{}, fmt.Errorf("invalid vendor id in %q: %w", s, err)
	}
	product, err := strconv.ParseUint(parts[2], 16, 16)
	if err != nil {
		return Match{}, fmt.Errorf("invalid product id in %q: %w", s, err)
	}
	return Match{Bus: BusType(parts[0]), Vendor: uint16(vendor), Product: uint16(product)}, nil
}

// entryFile is the on-disk YAML shape of a device entry.
type entryFile struct {
	Name     string          `yaml:"name"`
	Driver   string          `yaml:"driver"`
	Type     string          `yaml:"type"`
	Matches  []string        `yaml:"matches"`
	NameGlob string          `yaml:"nameGlob"`
	Quirks   map[string]any  `yaml:"quirks"`
	Caps     *capabilityFile `yaml:"capabilities"`
}

type capabilityFile struct {
	Profiles    int      `yaml:"profiles"`
	Resolutions int      `yaml:"resolutions"`
	Buttons     int      `yaml:"buttons"`
	Leds        int      `yaml:"leds"`
	DpiRange    string   `yaml:"dpiRange"`
	DpiList     []uint32 `yaml:"dpiList"`
	ReportRates []uint32 `yaml:"reportRates"`
	MacroLength int      `yaml:"macroLength"`
	LedModes    []string `yaml:"ledModes"`
	Add         []string `yaml:"add"`
	Clear       []string `yaml:"clear"`
}

// Entry is a parsed device database record.
type Entry struct {
	Name     string
	Driver   string
	Type     string
	Matches  []Match
	NameGlob string
	Quirks   driver.Quirks
	Hints    driver.Hints
}

var ledModeNames = map[string]devstate.LedMode{
	"off":       devstate.LedOff,
	"solid":     devstate.LedSolid,
	"cycle":     devstate.LedCycle,
	"wave":      devstate.LedWave,
	"starlight": devstate.LedStarlight,
	"breathing": devstate.LedBreathing,
	"tricolor":  devstate.LedTriColor,
}

var capabilityNames = map[string]devstate.Capability{
	"separate-xy":        devstate.CapSeparateXY,
	"default-resolution": devstate.CapDefaultResolution,
	"disable-resolution": devstate.CapDisableResolution,
	"disable-profile":    devstate.CapDisableProfile,
	"profile-name":       devstate.CapProfileName,
	"angle-snapping":     devstate.CapAngleSnapping,
	"debounce":           devstate.CapDebounce,
	"button-key":         devstate.CapButtonKey,
	"button-special":     devstate.CapButtonSpecial,
	"button-macro":       devstate.CapButtonMacro,
	"led-color":          devstate.CapLedColor,
	"led-brightness":     devstate.CapLedBrightness,
}

func (f entryFile) toEntry() (Entry, error) {
	if f.Name == "" {
		return Entry{}, fmt.Errorf("missing name")
	}
	if f.Driver == "" {
		return Entry{}, fmt.Errorf("missing driver")
	}
	if len(f.Matches) == 0 {
		return Entry{}, fmt.Errorf("missing matches")
	}
	entry := Entry{
		Name:     f.Name,
		Driver:   f.Driver,
		Type:     f.Type,
		NameGlob: f.NameGlob,
		Quirks:   driver.Quirks(f.Quirks),
	}
	if entry.Type == "" {
		entry.Type = "mouse"
	}
	for _, s := range f.Matches {
		m, err := ParseMatch(s)
		if err != nil {
			return Entry{}, err
		}
		entry.Matches = append(entry.Matches, m)
	}
	if f.Caps != nil {
		hints, err := f.Caps.toHints()
		if err != nil {
			return Entry{}, err
		}
		entry.Hints = hints
	}
	return entry, nil
}

func (c capabilityFile) toHints() (driver.Hints, error) {
	hints := driver.Hints{
		Profiles:    c.Profiles,
		Resolutions: c.Resolutions,
		Buttons:     c.Buttons,
		Leds:        c.Leds,
		DpiList:     c.DpiList,
		ReportRates: c.ReportRates,
		MacroLength: c.MacroLength,
	}
	if c.DpiRange != "" {
		min, max, step, err := parseDpiRange(c.DpiRange)
		if err != nil {
			return driver.Hints{}, err
		}
		hints.DpiMin, hints.DpiMax, hints.DpiStep = min, max, step
	}
	for _, name := range c.LedModes {
		mode, ok := ledModeNames[strings.ToLower(name)]
		if !ok {
			return driver.Hints{}, fmt.Errorf("unknown led mode: %q", name)
		}
		hints.LedModes = append(hints.LedModes, mode)
	}
	for _, name := range c.Add {
		flag, ok := capabilityNames[strings.ToLower(name)]
		if !ok {
			return driver.Hints{}, fmt.Errorf("unknown capability: %q", name)
		}
		hints.AddFlags |= flag
	}
	for _, name := range c.Clear {
		flag, ok := capabilityNames[strings.ToLower(name)]
		if !ok {
			return driver.Hints{}, fmt.Errorf("unknown capability: %q", name)
		}
		hints.ClearFlags |= flag
	}
	return hints, nil
}

// parseDpiRange parses a "min:max@step" range like "100:16000@100".
func parseDpiRange(s string) (min, max, step uint32, err error) {
	rangePart, stepPart, ok := strings.Cut(s, "@")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid dpi range: %q", s)
	}
	minPart, maxPart, ok := strings.Cut(rangePart, ":")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid dpi range: %q", s)
	}
	minV, err := strconv.ParseUint(minPart, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid dpi range %q: %w", s, err)
	}
	maxV, err := strconv.ParseUint(maxPart, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid dpi range %q: %w", s, err)
	}
	stepV, err := strconv.ParseUint(stepPart, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid dpi range %q: %w", s, err)
	}
	if stepV == 0 || minV > maxV {
		return 0, 0, 0, fmt.Errorf("degenerate dpi range: %q", s)
	}
	return uint32(minV), uint32(maxV), uint32(stepV), nil
}
