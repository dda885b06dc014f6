package adapter

import (
	"fmt"

	"github.com/rodentd/rodentd/internal/devstate"
)

// Profile is one profile object. Reads project the pending snapshot;
// setters enqueue mutations and return once queued.
type Profile struct {
	device *Device
	index  int
}

func (p *Profile) Path() string {
	return fmt.Sprintf("%s/p%d", p.device.Path(), p.index)
}

func (p *Profile) Index() int { return p.index }

func (p *Profile) state() devstate.Profile {
	return p.device.profileState(p.index)
}

func (p *Profile) Name() string        { return p.state().Name }
func (p *Profile) Enabled() bool       { return p.state().Enabled }
func (p *Profile) IsActive() bool      { return p.state().Active }
func (p *Profile) IsDirty() bool       { return p.state().Dirty }
func (p *Profile) ReportRate() uint32  { return p.state().ReportRate }
func (p *Profile) AngleSnapping() bool { return p.state().AngleSnapping }
func (p *Profile) Debounce() uint32    { return p.state().Debounce }

func (p *Profile) Resolutions() []*Resolution {
	state := p.state()
	out := make([]*Resolution, len(state.Resolutions))
	for i := range out {
		out[i] = &Resolution{profile: p, index: i}
	}
	return out
}

func (p *Profile) Resolution(index int) (*Resolution, error) {
	if index < 0 || index >= len(p.state().Resolutions) {
		return nil, fmt.Errorf("%w: resolution %d", ErrNotFound, index)
	}
	return &Resolution{profile: p, index: index}, nil
}

func (p *Profile) Buttons() []*Button {
	state := p.state()
	out := make([]*Button, len(state.Buttons))
	for i := range out {
		out[i] = &Button{profile: p, index: i}
	}
	return out
}

func (p *Profile) Button(index int) (*Button, error) {
	if index < 0 || index >= len(p.state().Buttons) {
		return nil, fmt.Errorf("%w: button %d", ErrNotFound, index)
	}
	return &Button{profile: p, index: index}, nil
}

func (p *Profile) Leds() []*Led {
	state := p.state()
	out := make([]*Led, len(state.Leds))
	for i := range out {
		out[i] = &Led{profile: p, index: i}
	}
	return out
}

func (p *Profile) Led(index int) (*Led, error) {
	if index < 0 || index >= len(p.state().Leds) {
		return nil, fmt.Errorf("%w: led %d", ErrNotFound, index)
	}
	return &Led{profile: p, index: index}, nil
}

func (p *Profile) SetActive() error {
	return p.device.submit(devstate.SetActiveProfile{Profile: p.index})
}

func (p *Profile) SetName(name string) error {
	return p.device.submit(devstate.SetProfileName{Profile: p.index, Name: name})
}

func (p *Profile) SetReportRate(hz uint32) error {
	return p.device.submit(devstate.SetReportRate{Profile: p.index, Hz: hz})
}

func (p *Profile) SetAngleSnapping(enabled bool) error {
	return p.device.submit(devstate.SetAngleSnapping{Profile: p.index, Enabled: enabled})
}

func (p *Profile) SetDebounce(ms uint32) error {
	return p.device.submit(devstate.SetDebounce{Profile: p.index, Ms: ms})
}

func (p *Profile) Enable() error {
	return p.device.submit(devstate.SetProfileEnabled{Profile: p.index, Enabled: true})
}

func (p *Profile) Disable() error {
	return p.device.submit(devstate.SetProfileEnabled{Profile: p.index, Enabled: false})
}
