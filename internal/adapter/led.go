package adapter

import (
	"fmt"

	"github.com/rodentd/rodentd/internal/devstate"
)

// Led is one LED-zone object.
type Led struct {
	profile *Profile
	index   int
}

func (l *Led) Path() string {
	return fmt.Sprintf("%s/l%d", l.profile.Path(), l.index)
}

func (l *Led) Index() int { return l.index }

func (l *Led) state() devstate.Led {
	return l.profile.state().Leds[l.index]
}

func (l *Led) Mode() (devstate.LedMode, error) {
	state := l.state()
	if state.Unknown {
		return 0, devstate.ErrUnknown
	}
	return state.Mode, nil
}

func (l *Led) Color() (devstate.RGB, error) {
	state := l.state()
	if state.Unknown {
		return devstate.RGB{}, devstate.ErrUnknown
	}
	return state.Color, nil
}

func (l *Led) ColorSecondary() (devstate.RGB, error) {
	state := l.state()
	if state.Unknown {
		return devstate.RGB{}, devstate.ErrUnknown
	}
	return state.ColorSecondary, nil
}

func (l *Led) ColorTertiary() (devstate.RGB, error) {
	state := l.state()
	if state.Unknown {
		return devstate.RGB{}, devstate.ErrUnknown
	}
	return state.ColorTertiary, nil
}

func (l *Led) Brightness() (uint8, error) {
	state := l.state()
	if state.Unknown {
		return 0, devstate.ErrUnknown
	}
	return state.Brightness, nil
}

func (l *Led) EffectDuration() (uint32, error) {
	state := l.state()
	if state.Unknown {
		return 0, devstate.ErrUnknown
	}
	return state.EffectDuration, nil
}

// ColorDepth is fixed at probe time and survives partial commits.
func (l *Led) ColorDepth() uint32 { return l.state().ColorDepth }

// Modes enumerates the capability-permitted effect modes.
func (l *Led) Modes() []devstate.LedMode {
	caps := l.profile.device.snapshot().Caps
	return append([]devstate.LedMode(nil), caps.LedModes...)
}

func (l *Led) SetMode(mode devstate.LedMode) error {
	return l.profile.device.submit(devstate.SetLedMode{
		Profile: l.profile.index, Led: l.index, Mode: mode,
	})
}

func (l *Led) SetColor(c devstate.RGB) error {
	return l.profile.device.submit(devstate.SetLedColor{
		Profile: l.profile.index, Led: l.index, Slot: devstate.LedColorPrimary, Color: c,
	})
}

func (l *Led) SetColorSecondary(c devstate.RGB) error {
	return l.profile.device.submit(devstate.SetLedColor{
		Profile: l.profile.index, Led: l.index, Slot: devstate.LedColorSecondary, Color: c,
	})
}

func (l *Led) SetColorTertiary(c devstate.RGB) error {
	return l.profile.device.submit(devstate.SetLedColor{
		Profile: l.profile.index, Led: l.index, Slot: devstate.LedColorTertiary, Color: c,
	})
}

func (l *Led) SetBrightness(v uint8) error {
	return l.profile.device.submit(devstate.SetLedBrightness{
		Profile: l.profile.index, Led: l.index, Brightness: v,
	})
}

func (l *Led) SetEffectDuration(ms uint32) error {
	return l.profile.device.submit(devstate.SetLedEffectDuration{
		Profile: l.profile.index, Led: l.index, Ms: ms,
	})
}
