package adapter

import (
	"fmt"

	"github.com/rodentd/rodentd/internal/devstate"
)

// Button is one button-slot object carrying the tagged mapping variant.
type Button struct {
	profile *Profile
	index   int
}

func (b *Button) Path() string {
	return fmt.Sprintf("%s/b%d", b.profile.Path(), b.index)
}

func (b *Button) Index() int { return b.index }

func (b *Button) state() devstate.Button {
	return b.profile.state().Buttons[b.index]
}

// Mapping returns the tagged action variant. Unknown after a partial
// commit touching this slot.
func (b *Button) Mapping() (devstate.ButtonAction, error) {
	state := b.state()
	if state.Unknown {
		return devstate.ButtonAction{}, devstate.ErrUnknown
	}
	return state.Action, nil
}

func (b *Button) submit(action devstate.ButtonAction) error {
	return b.profile.device.submit(devstate.SetButtonAction{
		Profile: b.profile.index, Button: b.index, Action: action,
	})
}

func (b *Button) SetNone() error {
	return b.submit(devstate.ButtonAction{Type: devstate.ActionNone})
}

// Disable is an alias for clearing the mapping.
func (b *Button) Disable() error { return b.SetNone() }

func (b *Button) SetButtonMapping(logical uint32) error {
	return b.submit(devstate.ButtonAction{Type: devstate.ActionButton, Button: logical})
}

func (b *Button) SetSpecialMapping(code uint32) error {
	return b.submit(devstate.ButtonAction{Type: devstate.ActionSpecial, Special: code})
}

func (b *Button) SetKeyMapping(keycode uint16, modifiers []uint16) error {
	return b.submit(devstate.ButtonAction{
		Type: devstate.ActionKey, Key: keycode,
		Modifiers: append([]uint16(nil), modifiers...),
	})
}

func (b *Button) SetMacro(events []devstate.MacroEvent) error {
	return b.submit(devstate.ButtonAction{
		Type:  devstate.ActionMacro,
		Macro: append([]devstate.MacroEvent(nil), events...),
	})
}
