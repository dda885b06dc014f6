package adapter

import (
	"fmt"

	"github.com/rodentd/rodentd/internal/devstate"
)

// Resolution is one DPI slot object.
type Resolution struct {
	profile *Profile
	index   int
}

func (r *Resolution) Path() string {
	return fmt.Sprintf("%s/r%d", r.profile.Path(), r.index)
}

func (r *Resolution) Index() int { return r.index }

func (r *Resolution) state() devstate.Resolution {
	return r.profile.state().Resolutions[r.index]
}

// Dpi returns the slot's resolution. Fields invalidated by a partial
// commit read as unknown.
func (r *Resolution) Dpi() (x, y uint32, err error) {
	state := r.state()
	if state.Unknown {
		return 0, 0, devstate.ErrUnknown
	}
	return state.DpiX, state.DpiY, nil
}

// DpiList enumerates the permitted DPI values.
func (r *Resolution) DpiList() []uint32 {
	caps := r.profile.device.snapshot().Caps
	if len(caps.DpiList) > 0 {
		return append([]uint32(nil), caps.DpiList...)
	}
	if caps.DpiMax == 0 || caps.DpiStep == 0 {
		return nil
	}
	var list []uint32
	for v := caps.DpiMin; v <= caps.DpiMax; v += caps.DpiStep {
		list = append(list, v)
	}
	return list
}

func (r *Resolution) IsActive() bool   { return r.state().Active }
func (r *Resolution) IsDefault() bool  { return r.state().Default }
func (r *Resolution) IsDisabled() bool { return !r.state().Enabled }

func (r *Resolution) SetResolution(x, y uint32) error {
	return r.profile.device.submit(devstate.SetResolutionDpi{
		Profile: r.profile.index, Resolution: r.index, DpiX: x, DpiY: y,
	})
}

func (r *Resolution) SetActive() error {
	return r.profile.device.submit(devstate.SetActiveResolution{
		Profile: r.profile.index, Resolution: r.index,
	})
}

func (r *Resolution) SetDefault() error {
	return r.profile.device.submit(devstate.SetDefaultResolution{
		Profile: r.profile.index, Resolution: r.index,
	})
}

func (r *Resolution) Enable() error {
	return r.profile.device.submit(devstate.SetResolutionEnabled{
		Profile: r.profile.index, Resolution: r.index, Enabled: true,
	})
}

func (r *Resolution) Disable() error {
	return r.profile.device.submit(devstate.SetResolutionEnabled{
		Profile: r.profile.index, Resolution: r.index, Enabled: false,
	})
}
