package devstate

import "fmt"

// Mutation is one validated change to the pending snapshot. Implementations
// validate against the capability set before touching any state, so a failed
// mutation leaves the pending snapshot untouched.
type Mutation interface {
	validate(caps Capabilities, dev *Device) error
	apply(caps Capabilities, dev *Device)
}

func checkProfile(dev *Device, idx int) error {
	if idx < 0 || idx >= len(dev.Profiles) {
		return fmt.Errorf("%w: profile %d", ErrOutOfRange, idx)
	}
	return nil
}

func checkResolution(dev *Device, profile, res int) error {
	if err := checkProfile(dev, profile); err != nil {
		return err
	}
	if res < 0 || res >= len(dev.Profiles[profile].Resolutions) {
		return fmt.Errorf("%w: resolution %d", ErrOutOfRange, res)
	}
	return nil
}

func checkButton(dev *Device, profile, btn int) error {
	if err := checkProfile(dev, profile); err != nil {
		return err
	}
	if btn < 0 || btn >= len(dev.Profiles[profile].Buttons) {
		return fmt.Errorf("%w: button %d", ErrOutOfRange, btn)
	}
	return nil
}

func checkLed(dev *Device, profile, led int) error {
	if err := checkProfile(dev, profile); err != nil {
		return err
	}
	if led < 0 || led >= len(dev.Profiles[profile].Leds) {
		return fmt.Errorf("%w: led %d", ErrOutOfRange, led)
	}
	return nil
}

type SetProfileName struct {
	Profile int
	Name    string
}

func (m SetProfileName) validate(caps Capabilities, dev *Device) error {
	if !caps.Has(CapProfileName) {
		return fmt.Errorf("%w: profile names", ErrUnsupported)
	}
	if len(m.Name) > 64 {
		return fmt.Errorf("%w: name longer than 64 bytes", ErrOutOfRange)
	}
	return checkProfile(dev, m.Profile)
}

func (m SetProfileName) apply(caps Capabilities, dev *Device) {
	dev.Profiles[m.Profile].Name = m.Name
}

type SetProfileEnabled struct {
	Profile int
	Enabled bool
}

func (m SetProfileEnabled) validate(caps Capabilities, dev *Device) error {
	if !m.Enabled && !caps.Has(CapDisableProfile) {
		return fmt.Errorf("%w: disabling profiles", ErrUnsupported)
	}
	if err := checkProfile(dev, m.Profile); err != nil {
		return err
	}
	if !m.Enabled && dev.Profiles[m.Profile].Active {
		return fmt.Errorf("%w: cannot disable the active profile", ErrOutOfRange)
	}
	return nil
}

func (m SetProfileEnabled) apply(caps Capabilities, dev *Device) {
	dev.Profiles[m.Profile].Enabled = m.Enabled
}

// SetActiveProfile moves the single active flag, keeping the
// exactly-one-active invariant.
type SetActiveProfile struct {
	Profile int
}

func (m SetActiveProfile) validate(caps Capabilities, dev *Device) error {
	if err := checkProfile(dev, m.Profile); err != nil {
		return err
	}
	if !dev.Profiles[m.Profile].Enabled {
		return fmt.Errorf("%w: profile %d is disabled", ErrOutOfRange, m.Profile)
	}
	return nil
}

func (m SetActiveProfile) apply(caps Capabilities, dev *Device) {
	for i := range dev.Profiles {
		dev.Profiles[i].Active = i == m.Profile
	}
}

type SetReportRate struct {
	Profile int
	Hz      uint32
}

func (m SetReportRate) validate(caps Capabilities, dev *Device) error {
	if !caps.AllowsReportRate(m.Hz) {
		return fmt.Errorf("%w: report rate %d Hz", ErrOutOfRange, m.Hz)
	}
	return checkProfile(dev, m.Profile)
}

func (m SetReportRate) apply(caps Capabilities, dev *Device) {
	dev.Profiles[m.Profile].ReportRate = m.Hz
}

type SetAngleSnapping struct {
	Profile int
	Enabled bool
}

func (m SetAngleSnapping) validate(caps Capabilities, dev *Device) error {
	if !caps.Has(CapAngleSnapping) {
		return fmt.Errorf("%w: angle snapping", ErrUnsupported)
	}
	return checkProfile(dev, m.Profile)
}

func (m SetAngleSnapping) apply(caps Capabilities, dev *Device) {
	dev.Profiles[m.Profile].AngleSnapping = m.Enabled
}

type SetDebounce struct {
	Profile int
	Ms      uint32
}

func (m SetDebounce) validate(caps Capabilities, dev *Device) error {
	if !caps.Has(CapDebounce) {
		return fmt.Errorf("%w: debounce", ErrUnsupported)
	}
	if !caps.AllowsDebounce(m.Ms) {
		return fmt.Errorf("%w: debounce %d ms", ErrOutOfRange, m.Ms)
	}
	return checkProfile(dev, m.Profile)
}

func (m SetDebounce) apply(caps Capabilities, dev *Device) {
	dev.Profiles[m.Profile].Debounce = m.Ms
}

type SetResolutionDpi struct {
	Profile    int
	Resolution int
	DpiX       uint32
	DpiY       uint32
}

func (m SetResolutionDpi) validate(caps Capabilities, dev *Device) error {
	if m.DpiX != m.DpiY && !caps.Has(CapSeparateXY) {
		return fmt.Errorf("%w: separate x/y resolution", ErrUnsupported)
	}
	if !caps.AllowsDpi(m.DpiX) {
		return fmt.Errorf("%w: dpi %d", ErrOutOfRange, m.DpiX)
	}
	if !caps.AllowsDpi(m.DpiY) {
		return fmt.Errorf("%w: dpi %d", ErrOutOfRange, m.DpiY)
	}
	return checkResolution(dev, m.Profile, m.Resolution)
}

func (m SetResolutionDpi) apply(caps Capabilities, dev *Device) {
	res := &dev.Profiles[m.Profile].Resolutions[m.Resolution]
	res.DpiX = m.DpiX
	res.DpiY = m.DpiY
}

type SetResolutionEnabled struct {
	Profile    int
	Resolution int
	Enabled    bool
}

func (m SetResolutionEnabled) validate(caps Capabilities, dev *Device) error {
	if !m.Enabled && !caps.Has(CapDisableResolution) {
		return fmt.Errorf("%w: disabling resolutions", ErrUnsupported)
	}
	if err := checkResolution(dev, m.Profile, m.Resolution); err != nil {
		return err
	}
	if !m.Enabled && dev.Profiles[m.Profile].Resolutions[m.Resolution].Active {
		return fmt.Errorf("%w: cannot disable the active resolution", ErrOutOfRange)
	}
	return nil
}

func (m SetResolutionEnabled) apply(caps Capabilities, dev *Device) {
	dev.Profiles[m.Profile].Resolutions[m.Resolution].Enabled = m.Enabled
}

// SetActiveResolution moves the single per-profile active flag. On devices
// without a distinct default slot the default flag mirrors the active one.
type SetActiveResolution struct {
	Profile    int
	Resolution int
}

func (m SetActiveResolution) validate(caps Capabilities, dev *Device) error {
	if err := checkResolution(dev, m.Profile, m.Resolution); err != nil {
		return err
	}
	if !dev.Profiles[m.Profile].Resolutions[m.Resolution].Enabled {
		return fmt.Errorf("%w: resolution %d is disabled", ErrOutOfRange, m.Resolution)
	}
	return nil
}

func (m SetActiveResolution) apply(caps Capabilities, dev *Device) {
	mirror := !caps.Has(CapDefaultResolution)
	for i := range dev.Profiles[m.Profile].Resolutions {
		res := &dev.Profiles[m.Profile].Resolutions[i]
		res.Active = i == m.Resolution
		if mirror {
			res.Default = res.Active
		}
	}
}

// SetDefaultResolution requires the device to model a default slot distinct
// from the active one.
type SetDefaultResolution struct {
	Profile    int
	Resolution int
}

func (m SetDefaultResolution) validate(caps Capabilities, dev *Device) error {
	if !caps.Has(CapDefaultResolution) {
		return fmt.Errorf("%w: default resolution", ErrUnsupported)
	}
	return checkResolution(dev, m.Profile, m.Resolution)
}

func (m SetDefaultResolution) apply(caps Capabilities, dev *Device) {
	for i := range dev.Profiles[m.Profile].Resolutions {
		dev.Profiles[m.Profile].Resolutions[i].Default = i == m.Resolution
	}
}

type SetButtonAction struct {
	Profile int
	Button  int
	Action  ButtonAction
}

func (m SetButtonAction) validate(caps Capabilities, dev *Device) error {
	if !caps.AllowsAction(m.Action.Type) {
		return fmt.Errorf("%w: button action type %d", ErrUnsupported, m.Action.Type)
	}
	if m.Action.Type == ActionMacro {
		if len(m.Action.Macro) == 0 || (caps.MacroLength > 0 && len(m.Action.Macro) > caps.MacroLength) {
			return fmt.Errorf("%w: %d events", ErrMalformedMacro, len(m.Action.Macro))
		}
	}
	return checkButton(dev, m.Profile, m.Button)
}

func (m SetButtonAction) apply(caps Capabilities, dev *Device) {
	act := m.Action
	act.Modifiers = append([]uint16(nil), m.Action.Modifiers...)
	act.Macro = append([]MacroEvent(nil), m.Action.Macro...)
	dev.Profiles[m.Profile].Buttons[m.Button].Action = act
}

type SetLedMode struct {
	Profile int
	Led     int
	Mode    LedMode
}

func (m SetLedMode) validate(caps Capabilities, dev *Device) error {
	if !caps.AllowsLedMode(m.Mode) {
		return fmt.Errorf("%w: led mode %d", ErrUnsupported, m.Mode)
	}
	return checkLed(dev, m.Profile, m.Led)
}

func (m SetLedMode) apply(caps Capabilities, dev *Device) {
	dev.Profiles[m.Profile].Leds[m.Led].Mode = m.Mode
}

// LedColorSlot selects which of the up to three colors a SetLedColor targets.
type LedColorSlot int

const (
	LedColorPrimary LedColorSlot = iota
	LedColorSecondary
	LedColorTertiary
)

type SetLedColor struct {
	Profile int
	Led     int
	Slot    LedColorSlot
	Color   RGB
}

func (m SetLedColor) validate(caps Capabilities, dev *Device) error {
	if !caps.Has(CapLedColor) {
		return fmt.Errorf("%w: led color", ErrUnsupported)
	}
	return checkLed(dev, m.Profile, m.Led)
}

func (m SetLedColor) apply(caps Capabilities, dev *Device) {
	led := &dev.Profiles[m.Profile].Leds[m.Led]
	switch m.Slot {
	case LedColorPrimary:
		led.Color = m.Color
	case LedColorSecondary:
		led.ColorSecondary = m.Color
	case LedColorTertiary:
		led.ColorTertiary = m.Color
	}
}

type SetLedBrightness struct {
	Profile    int
	Led        int
	Brightness uint8
}

func (m SetLedBrightness) validate(caps Capabilities, dev *Device) error {
	if !caps.Has(CapLedBrightness) {
		return fmt.Errorf("%w: led brightness", ErrUnsupported)
	}
	return checkLed(dev, m.Profile, m.Led)
}

func (m SetLedBrightness) apply(caps Capabilities, dev *Device) {
	dev.Profiles[m.Profile].Leds[m.Led].Brightness = m.Brightness
}

type SetLedEffectDuration struct {
	Profile int
	Led     int
	Ms      uint32
}

func (m SetLedEffectDuration) validate(caps Capabilities, dev *Device) error {
	return checkLed(dev, m.Profile, m.Led)
}

func (m SetLedEffectDuration) apply(caps Capabilities, dev *Device) {
	dev.Profiles[m.Profile].Leds[m.Led].EffectDuration = m.Ms
}

// Validate checks a mutation against a capability set and device shape
// without applying it. The bus adapter rejects invalid input here, before
// anything reaches the actor queue.
func Validate(m Mutation, caps Capabilities, dev *Device) error {
	return m.validate(caps, dev)
}
