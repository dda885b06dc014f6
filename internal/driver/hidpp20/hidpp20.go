// Package hidpp20 implements the Logitech HID++ 2.0 dialect.
//
// HID++ 2.0 is feature based: every capability is a numbered feature whose
// runtime index must be discovered through the Root feature (0x0000) at probe
// time. Devices with the Onboard Profiles feature (0x8100) store their
// profiles in flash sectors addressed through memory read/write calls; the
// commit sequence writes the per-profile data sectors first, then the profile
// directory, then issues the memory-write-end call that persists the lot.
package hidpp20

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/driver/hidpp"
	"github.com/rodentd/rodentd/internal/hidio"
)

// Software ID stamped into every request we originate.
const swID uint8 = 0x04

// Adjustable DPI (0x2201) function IDs.
const (
	fnDpiGetSensorCount uint8 = 0x00
	fnDpiGetSensorDpi   uint8 = 0x01
	fnDpiSetSensorDpi   uint8 = 0x02
)

// Adjustable Report Rate (0x8060) function IDs.
const (
	fnRateGetList uint8 = 0x00
	fnRateGet     uint8 = 0x01
	fnRateSet     uint8 = 0x02
)

// Color LED Effects (0x8070) function IDs.
const (
	fnLedGetInfo       uint8 = 0x00
	fnLedGetZoneEffect uint8 = 0x01
	fnLedSetZoneEffect uint8 = 0x02
)

// RGB Effects (0x8071) function IDs.
const fnRgbSetMultiLedPattern uint8 = 0x02

// Special Keys/Buttons (0x1B04) function IDs.
const fnKeysGetCount uint8 = 0x00

// Onboard Profiles (0x8100) function IDs.
const (
	fnOnbGetDescription    uint8 = 0x00
	fnOnbSetCurrentProfile uint8 = 0x03
	fnOnbGetCurrentProfile uint8 = 0x04
	fnOnbMemoryRead        uint8 = 0x05
	fnOnbMemoryAddrWrite   uint8 = 0x06
	fnOnbMemoryWrite       uint8 = 0x07
	fnOnbMemoryWriteEnd    uint8 = 0x08
)

// Onboard profile sector layout. Sector 0 is the profile directory; profile
// n lives in sector n+1.
const (
	sectorSize    = 256
	memoryChunk   = 16
	dirEntrySize  = 4
	maxDpiSlots   = 5
	onbMacroSlots = 8

	offRate       = 0x00
	offDefaultRes = 0x01
	offActiveRes  = 0x02
	offEnabled    = 0x03
	offSnapping   = 0x04
	offDebounce   = 0x05
	offDpiTable   = 0x08
	offButtons    = 0x20
	offMacros     = 0x60
	offName       = 0xE0
	nameLen       = 16
	buttonStride  = 4
	macroStride   = 24 // onbMacroSlots events x 3 bytes
)

// Onboard button encoding type bytes.
const (
	onbActionNone    uint8 = 0x00
	onbActionButton  uint8 = 0x01
	onbActionSpecial uint8 = 0x02
	onbActionKey     uint8 = 0x03
	onbActionMacro   uint8 = 0x04
)

type featureMap struct {
	deviceName      uint8
	specialKeys     uint8
	adjustableDpi   uint8
	reportRate      uint8
	colorLedEffects uint8
	rgbEffects      uint8
	onboardProfiles uint8
}

// Driver speaks HID++ 2.0 to a single device. Protocol state discovered at
// probe time (feature table, counts) is cached for the device's lifetime.
type Driver struct {
	log    *zap.Logger
	quirks driver.Quirks
	hints  driver.Hints

	deviceIndex  uint8
	major, minor uint8
	features     featureMap
	profileCount int
	ledCount     int
}

func Register(reg *driver.Registry) {
	reg.Register("hidpp20", New)
}

func New(opts driver.Options) driver.Driver {
	return &Driver{
		log:         opts.Log,
		quirks:      opts.Quirks,
		hints:       opts.Hints,
		deviceIndex: hidpp.DeviceIdxWired,
	}
}

func (d *Driver) Name() string { return "Logitech HID++ 2.0" }

// request sends a feature request and returns the 16-byte response payload.
func (d *Driver) request(ctx context.Context, io *hidio.DeviceIo, featureIndex, function uint8, params []byte) ([]byte, error) {
	req := hidpp.BuildRequest20(d.deviceIndex, featureIndex, function, swID, params)
	devIdx := d.deviceIndex
	resp, err := io.Request(ctx, req, func(buf []byte) hidio.Verdict {
		report, ok := hidpp.Parse(buf)
		if !ok {
			return hidio.VerdictSkip
		}
		if report.IsError() {
			return hidio.VerdictError
		}
		if !report.Matches20(devIdx, featureIndex) {
			return hidio.VerdictSkip
		}
		return hidio.VerdictMatch
	}, hidio.RequestOptions{})
	if err != nil {
		if errors.Is(err, hidio.ErrErrorReply) {
			report, _ := hidpp.Parse(resp)
			var code uint8
			if len(report.Params) > 1 {
				code = report.Params[1]
			}
			return nil, fmt.Errorf("%w: feature 0x%02X fn %d error code 0x%02X", driver.ErrProtocol, featureIndex, function, code)
		}
		return nil, fmt.Errorf("feature request (idx=0x%02X, fn=%d): %w", featureIndex, function, err)
	}
	report, ok := hidpp.Parse(resp)
	if !ok || !report.Long {
		return nil, fmt.Errorf("%w: malformed feature response", driver.ErrProtocol)
	}
	return report.Params, nil
}

// featureIndex resolves a feature page to its runtime index via the Root
// feature. Zero means the device does not support the page.
func (d *Driver) featureIndex(ctx context.Context, io *hidio.DeviceIo, page uint16) (uint8, error) {
	params, err := d.request(ctx, io, hidpp.RootFeatureIndex, hidpp.RootFnGetFeature, []byte{uint8(page >> 8), uint8(page)})
	if err != nil {
		if errors.Is(err, driver.ErrProtocol) {
			return 0, nil
		}
		return 0, err
	}
	return params[0], nil
}

func (d *Driver) Probe(ctx context.Context, io *hidio.DeviceIo) (devstate.Capabilities, error) {
	params, err := d.request(ctx, io, hidpp.RootFeatureIndex, hidpp.RootFnGetProtocolVn, nil)
	if err != nil {
		if errors.Is(err, driver.ErrProtocol) {
			return devstate.Capabilities{}, fmt.Errorf("%w: protocol version ping rejected", driver.ErrUnsupported)
		}
		return devstate.Capabilities{}, err
	}
	d.major, d.minor = params[0], params[1]
	if d.major < 2 {
		return devstate.Capabilities{}, fmt.Errorf("%w: protocol version %d.%d", driver.ErrUnsupported, d.major, d.minor)
	}
	d.log.Info("HID++ 2.0 device detected",
		zap.Uint8("major", d.major), zap.Uint8("minor", d.minor))

	if err := d.discoverFeatures(ctx, io); err != nil {
		return devstate.Capabilities{}, err
	}

	caps := devstate.Capabilities{
		NumProfiles:    1,
		NumResolutions: 1,
		NumButtons:     0,
		NumLeds:        0,
		DpiMin:         200,
		DpiMax:         8000,
		DpiStep:        50,
		ReportRates:    []uint32{125, 250, 500, 1000},
		ColorDepth:     24,
		ButtonActions:  []devstate.ActionType{devstate.ActionNone, devstate.ActionButton},
	}

	if d.features.onboardProfiles != 0 {
		desc, err := d.request(ctx, io, d.features.onboardProfiles, fnOnbGetDescription, nil)
		if err != nil {
			return devstate.Capabilities{}, err
		}
		d.profileCount = int(desc[3])
		if d.profileCount < 1 {
			d.profileCount = 1
		}
		caps.NumProfiles = d.profileCount
		caps.NumResolutions = maxDpiSlots
		caps.NumButtons = int(desc[5])
		caps.MacroLength = onbMacroSlots
		caps.Flags |= devstate.CapProfileName | devstate.CapAngleSnapping |
			devstate.CapDebounce | devstate.CapDisableProfile | devstate.CapDisableResolution
		caps.ButtonActions = append(caps.ButtonActions,
			devstate.ActionSpecial, devstate.ActionKey, devstate.ActionMacro)
		caps.Flags |= devstate.CapButtonKey | devstate.CapButtonSpecial | devstate.CapButtonMacro
		caps.Debounces = []uint32{0, 2, 4, 8}
	} else if d.features.specialKeys != 0 {
		params, err := d.request(ctx, io, d.features.specialKeys, fnKeysGetCount, nil)
		if err == nil {
			caps.NumButtons = int(params[0])
			caps.ButtonActions = append(caps.ButtonActions, devstate.ActionSpecial)
			caps.Flags |= devstate.CapButtonSpecial
		}
	}

	if d.features.reportRate != 0 {
		params, err := d.request(ctx, io, d.features.reportRate, fnRateGetList, nil)
		if err == nil {
			if rates := hidpp.DecodeRateBitmap(params[0]); len(rates) > 0 {
				caps.ReportRates = rates
			}
		}
	}

	if d.features.colorLedEffects != 0 {
		params, err := d.request(ctx, io, d.features.colorLedEffects, fnLedGetInfo, nil)
		if err == nil {
			d.ledCount = int(params[0])
		}
		if d.ledCount == 0 {
			d.ledCount = 1
		}
		caps.NumLeds = d.ledCount
		caps.Flags |= devstate.CapLedColor | devstate.CapLedBrightness
		caps.LedModes = []devstate.LedMode{
			devstate.LedOff, devstate.LedSolid, devstate.LedCycle,
			devstate.LedWave, devstate.LedStarlight, devstate.LedBreathing,
		}
		if d.features.rgbEffects != 0 {
			caps.LedModes = append(caps.LedModes, devstate.LedTriColor)
		}
	}

	if d.quirks.Bool("separate-xy") {
		caps.Flags |= devstate.CapSeparateXY
	}

	return d.hints.Apply(caps), nil
}

func (d *Driver) discoverFeatures(ctx context.Context, io *hidio.DeviceIo) error {
	queries := []struct {
		page uint16
		name string
		dst  *uint8
	}{
		{hidpp.PageDeviceName, "Device Name", &d.features.deviceName},
		{hidpp.PageSpecialKeysButtons, "Special Keys/Buttons", &d.features.specialKeys},
		{hidpp.PageAdjustableDpi, "Adjustable DPI", &d.features.adjustableDpi},
		{hidpp.PageReportRate, "Adjustable Report Rate", &d.features.reportRate},
		{hidpp.PageColorLedEffects, "Color LED Effects", &d.features.colorLedEffects},
		{hidpp.PageRgbEffects, "RGB Effects", &d.features.rgbEffects},
		{hidpp.PageOnboardProfiles, "Onboard Profiles", &d.features.onboardProfiles},
	}
	for _, q := range queries {
		idx, err := d.featureIndex(ctx, io, q.page)
		if err != nil {
			return fmt.Errorf("feature lookup for 0x%04X: %w", q.page, err)
		}
		if idx == 0 {
			d.log.Debug("feature not supported", zap.String("feature", q.name))
			continue
		}
		d.log.Debug("feature discovered",
			zap.String("feature", q.name), zap.Uint8("index", idx))
		*q.dst = idx
	}
	return nil
}

func (d *Driver) LoadProfiles(ctx context.Context, io *hidio.DeviceIo, caps devstate.Capabilities) ([]devstate.Profile, error) {
	if d.features.onboardProfiles != 0 {
		return d.loadOnboard(ctx, io, caps)
	}
	return d.loadLive(ctx, io, caps)
}

// loadLive reads the single mutable profile of a device without onboard
// memory, one feature at a time.
func (d *Driver) loadLive(ctx context.Context, io *hidio.DeviceIo, caps devstate.Capabilities) ([]devstate.Profile, error) {
	profile := emptyProfile(0, caps)
	profile.Active = true
	profile.Enabled = true
	profile.Resolutions[0].Active = true
	profile.Resolutions[0].Default = true

	if d.features.adjustableDpi != 0 {
		params, err := d.request(ctx, io, d.features.adjustableDpi, fnDpiGetSensorCount, []byte{0})
		if err != nil {
			return nil, err
		}
		if params[0] > 0 {
			params, err = d.request(ctx, io, d.features.adjustableDpi, fnDpiGetSensorDpi, []byte{0})
			if err != nil {
				return nil, err
			}
			dpi := uint32(params[1])<<8 | uint32(params[2])
			profile.Resolutions[0].DpiX = dpi
			profile.Resolutions[0].DpiY = dpi
		}
	}

	if d.features.reportRate != 0 {
		params, err := d.request(ctx, io, d.features.reportRate, fnRateGet, nil)
		if err != nil {
			return nil, err
		}
		if ms := uint32(params[0]); ms > 0 {
			profile.ReportRate = 1000 / ms
		}
	}

	if err := d.readLeds(ctx, io, &profile); err != nil {
		return nil, err
	}
	return []devstate.Profile{profile}, nil
}

func (d *Driver) readLeds(ctx context.Context, io *hidio.DeviceIo, profile *devstate.Profile) error {
	if d.features.colorLedEffects == 0 {
		return nil
	}
	for i := range profile.Leds {
		zone := uint8(profile.Leds[i].Index)
		params, err := d.request(ctx, io, d.features.colorLedEffects, fnLedGetZoneEffect, []byte{zone})
		if err != nil {
			return err
		}
		if params[0] != zone {
			d.log.Warn("led zone mismatch",
				zap.Uint8("expected", zone), zap.Uint8("got", params[0]))
			continue
		}
		hidpp.ParseLedPayload(params[1:1+hidpp.LedPayloadSize], &profile.Leds[i])
	}
	return nil
}

// loadOnboard reads the profile directory and every profile sector.
func (d *Driver) loadOnboard(ctx context.Context, io *hidio.DeviceIo, caps devstate.Capabilities) ([]devstate.Profile, error) {
	dir, err := d.readSector(ctx, io, 0, caps.NumProfiles*dirEntrySize)
	if err != nil {
		return nil, err
	}

	active := 0
	params, err := d.request(ctx, io, d.features.onboardProfiles, fnOnbGetCurrentProfile, nil)
	if err == nil && int(params[1]) >= 1 && int(params[1]) <= caps.NumProfiles {
		active = int(params[1]) - 1
	}

	profiles := make([]devstate.Profile, caps.NumProfiles)
	for i := 0; i < caps.NumProfiles; i++ {
		sector, err := d.readSector(ctx, io, i+1, sectorSize)
		if err != nil {
			return nil, err
		}
		profiles[i] = parseProfileSector(i, sector, caps)
		profiles[i].Enabled = dir[i*dirEntrySize+2] != 0
		profiles[i].Active = i == active
	}
	if active < len(profiles) && !profiles[active].Enabled {
		profiles[active].Enabled = true
	}

	for i := range profiles {
		if err := d.readLeds(ctx, io, &profiles[i]); err != nil {
			return nil, err
		}
	}
	return profiles, nil
}

func (d *Driver) readSector(ctx context.Context, io *hidio.DeviceIo, sector, length int) ([]byte, error) {
	buf := make([]byte, 0, length)
	for off := 0; off < length; off += memoryChunk {
		params, err := d.request(ctx, io, d.features.onboardProfiles, fnOnbMemoryRead,
			[]byte{uint8(sector >> 8), uint8(sector), uint8(off >> 8), uint8(off)})
		if err != nil {
			return nil, err
		}
		buf = append(buf, params...)
	}
	return buf[:length], nil
}

// writeSector streams data into a flash sector: address setup followed by
// 16-byte payload writes.
func (d *Driver) writeSector(ctx context.Context, io *hidio.DeviceIo, sector int, data []byte) error {
	_, err := d.request(ctx, io, d.features.onboardProfiles, fnOnbMemoryAddrWrite,
		[]byte{uint8(sector >> 8), uint8(sector), 0x00, 0x00, uint8(len(data) >> 8), uint8(len(data))})
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += memoryChunk {
		end := off + memoryChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, memoryChunk)
		copy(chunk, data[off:end])
		if _, err := d.request(ctx, io, d.features.onboardProfiles, fnOnbMemoryWrite, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) Commit(ctx context.Context, io *hidio.DeviceIo, dev *devstate.Device, diff devstate.Diff) error {
	if diff.Empty() {
		return nil
	}
	if d.features.onboardProfiles != 0 {
		return d.commitOnboard(ctx, io, dev, diff)
	}
	return d.commitLive(ctx, io, dev, diff)
}

// commitOnboard writes dirty profile sectors, then the directory, then the
// memory-write-end call that makes the device persist the lot.
func (d *Driver) commitOnboard(ctx context.Context, io *hidio.DeviceIo, dev *devstate.Device, diff devstate.Diff) error {
	var written []devstate.ProfileDiff
	for _, pd := range diff.Profiles {
		profile := &dev.Profiles[pd.Index]
		sector := buildProfileSector(profile)
		if err := d.writeSector(ctx, io, pd.Index+1, sector); err != nil {
			return &driver.PartialCommitError{Written: written, Err: err}
		}
		written = append(written, pd)
	}

	dir := buildDirectory(dev.Profiles)
	if err := d.writeSector(ctx, io, 0, dir); err != nil {
		return &driver.PartialCommitError{Written: written, Err: err}
	}

	if _, err := d.request(ctx, io, d.features.onboardProfiles, fnOnbMemoryWriteEnd, nil); err != nil {
		return &driver.PartialCommitError{Written: written, Err: err}
	}

	for _, pd := range diff.Profiles {
		if pd.Fields&devstate.FieldActive != 0 && dev.Profiles[pd.Index].Active {
			_, err := d.request(ctx, io, d.features.onboardProfiles, fnOnbSetCurrentProfile,
				[]byte{0x00, uint8(pd.Index + 1)})
			if err != nil {
				return &driver.PartialCommitError{Written: written, Err: err}
			}
		}
	}
	d.log.Debug("onboard commit complete", zap.Int("profiles", len(diff.Profiles)))
	return nil
}

// commitLive pushes the active profile's dirty fields through the live
// feature calls, in DPI, report rate, LED order.
func (d *Driver) commitLive(ctx context.Context, io *hidio.DeviceIo, dev *devstate.Device, diff devstate.Diff) error {
	var written []devstate.ProfileDiff
	for _, pd := range diff.Profiles {
		profile := &dev.Profiles[pd.Index]
		if !profile.Active {
			continue
		}
		var done devstate.ProfileDiff
		done.Index = pd.Index

		if len(pd.Resolutions) > 0 && d.features.adjustableDpi != 0 {
			var dpi uint32
			for _, res := range profile.Resolutions {
				if res.Active {
					dpi = res.DpiX
				}
			}
			_, err := d.request(ctx, io, d.features.adjustableDpi, fnDpiSetSensorDpi,
				[]byte{0, uint8(dpi >> 8), uint8(dpi)})
			if err != nil {
				return &driver.PartialCommitError{Written: written, Err: err}
			}
			done.Resolutions = pd.Resolutions
			written = append(written, done)
			done = devstate.ProfileDiff{Index: pd.Index}
		}

		if pd.Fields&devstate.FieldReportRate != 0 && d.features.reportRate != 0 && profile.ReportRate > 0 {
			rateMs := uint8(1000 / profile.ReportRate)
			_, err := d.request(ctx, io, d.features.reportRate, fnRateSet, []byte{rateMs})
			if err != nil {
				return &driver.PartialCommitError{Written: written, Err: err}
			}
			done.Fields |= devstate.FieldReportRate
			written = append(written, done)
			done = devstate.ProfileDiff{Index: pd.Index}
		}

		for _, li := range pd.Leds {
			if err := d.writeLed(ctx, io, &profile.Leds[li]); err != nil {
				return &driver.PartialCommitError{Written: written, Err: err}
			}
			done.Leds = append(done.Leds, li)
		}
		if len(done.Leds) > 0 {
			written = append(written, done)
		}
	}
	return nil
}

func (d *Driver) writeLed(ctx context.Context, io *hidio.DeviceIo, led *devstate.Led) error {
	payload := hidpp.BuildLedPayload(*led)
	params := make([]byte, 13)
	params[0] = uint8(led.Index)
	copy(params[1:12], payload[:])
	params[12] = 0x01 // persist to flash

	if led.Mode == devstate.LedTriColor {
		if d.features.rgbEffects == 0 {
			return fmt.Errorf("%w: tricolor without RGB Effects feature", driver.ErrRejected)
		}
		_, err := d.request(ctx, io, d.features.rgbEffects, fnRgbSetMultiLedPattern, params)
		return err
	}
	if d.features.colorLedEffects == 0 {
		return fmt.Errorf("%w: no Color LED Effects feature", driver.ErrRejected)
	}
	_, err := d.request(ctx, io, d.features.colorLedEffects, fnLedSetZoneEffect, params)
	return err
}

func emptyProfile(index int, caps devstate.Capabilities) devstate.Profile {
	profile := devstate.Profile{
		Index:      index,
		Enabled:    true,
		ReportRate: 1000,
	}
	for r := 0; r < caps.NumResolutions; r++ {
		profile.Resolutions = append(profile.Resolutions, devstate.Resolution{
			Index: r, DpiX: 800, DpiY: 800, Enabled: true,
		})
	}
	for b := 0; b < caps.NumButtons; b++ {
		profile.Buttons = append(profile.Buttons, devstate.Button{
			Index:  b,
			Action: devstate.ButtonAction{Type: devstate.ActionButton, Button: uint32(b)},
		})
	}
	for l := 0; l < caps.NumLeds; l++ {
		profile.Leds = append(profile.Leds, devstate.Led{
			Index: l, Brightness: 255, ColorDepth: caps.ColorDepth,
		})
	}
	return profile
}

// parseProfileSector decodes one flash sector into a profile.
func parseProfileSector(index int, sector []byte, caps devstate.Capabilities) devstate.Profile {
	profile := emptyProfile(index, caps)

	if ms := uint32(sector[offRate]); ms > 0 {
		profile.ReportRate = 1000 / ms
	}
	profile.AngleSnapping = sector[offSnapping] != 0
	profile.Debounce = uint32(sector[offDebounce])

	defaultRes := int(sector[offDefaultRes])
	activeRes := int(sector[offActiveRes])
	for r := range profile.Resolutions {
		dpi := uint32(sector[offDpiTable+2*r])<<8 | uint32(sector[offDpiTable+2*r+1])
		if dpi > 0 {
			profile.Resolutions[r].DpiX = dpi
			profile.Resolutions[r].DpiY = dpi
		}
		profile.Resolutions[r].Active = r == activeRes
		profile.Resolutions[r].Default = r == defaultRes
	}
	if activeRes >= len(profile.Resolutions) && len(profile.Resolutions) > 0 {
		profile.Resolutions[0].Active = true
	}

	for b := range profile.Buttons {
		off := offButtons + b*buttonStride
		if off+buttonStride > len(sector) {
			break
		}
		profile.Buttons[b].Action = parseButton(sector[off:off+buttonStride], sector, b)
	}

	if offName+nameLen <= len(sector) {
		raw := sector[offName : offName+nameLen]
		profile.Name = strings.TrimRight(string(raw), "\x00")
	}
	return profile
}

func parseButton(enc []byte, sector []byte, index int) devstate.ButtonAction {
	switch enc[0] {
	case onbActionButton:
		return devstate.ButtonAction{Type: devstate.ActionButton, Button: uint32(enc[1])}
	case onbActionSpecial:
		return devstate.ButtonAction{Type: devstate.ActionSpecial, Special: uint32(enc[1])}
	case onbActionKey:
		act := devstate.ButtonAction{Type: devstate.ActionKey, Key: uint16(enc[2])}
		if enc[1] != 0 {
			act.Modifiers = []uint16{uint16(enc[1])}
		}
		return act
	case onbActionMacro:
		act := devstate.ButtonAction{Type: devstate.ActionMacro}
		base := offMacros + index*macroStride
		count := int(enc[1])
		if count > onbMacroSlots {
			count = onbMacroSlots
		}
		for e := 0; e < count; e++ {
			off := base + e*3
			if off+3 > len(sector) {
				break
			}
			act.Macro = append(act.Macro, devstate.MacroEvent{
				Keycode: uint16(sector[off+1])<<8 | uint16(sector[off+2]),
				Press:   sector[off]&0x01 != 0,
			})
		}
		return act
	default:
		return devstate.ButtonAction{Type: devstate.ActionNone}
	}
}

// buildProfileSector is the inverse of parseProfileSector.
func buildProfileSector(profile *devstate.Profile) []byte {
	sector := make([]byte, sectorSize)

	if profile.ReportRate > 0 {
		sector[offRate] = uint8(1000 / profile.ReportRate)
	}
	sector[offEnabled] = 0x01
	if profile.AngleSnapping {
		sector[offSnapping] = 0x01
	}
	sector[offDebounce] = uint8(profile.Debounce)

	for r, res := range profile.Resolutions {
		if r >= maxDpiSlots {
			break
		}
		sector[offDpiTable+2*r] = uint8(res.DpiX >> 8)
		sector[offDpiTable+2*r+1] = uint8(res.DpiX)
		if res.Active {
			sector[offActiveRes] = uint8(r)
		}
		if res.Default {
			sector[offDefaultRes] = uint8(r)
		}
	}

	for b, btn := range profile.Buttons {
		off := offButtons + b*buttonStride
		if off+buttonStride > offMacros {
			break
		}
		encodeButton(sector, off, b, btn.Action)
	}

	name := []byte(profile.Name)
	if len(name) > nameLen {
		name = name[:nameLen]
	}
	copy(sector[offName:], name)
	return sector
}

func encodeButton(sector []byte, off, index int, act devstate.ButtonAction) {
	switch act.Type {
	case devstate.ActionButton:
		sector[off] = onbActionButton
		sector[off+1] = uint8(act.Button)
	case devstate.ActionSpecial:
		sector[off] = onbActionSpecial
		sector[off+1] = uint8(act.Special)
	case devstate.ActionKey:
		sector[off] = onbActionKey
		if len(act.Modifiers) > 0 {
			sector[off+1] = uint8(act.Modifiers[0])
		}
		sector[off+2] = uint8(act.Key)
	case devstate.ActionMacro:
		sector[off] = onbActionMacro
		count := len(act.Macro)
		if count > onbMacroSlots {
			count = onbMacroSlots
		}
		sector[off+1] = uint8(count)
		base := offMacros + index*macroStride
		for e := 0; e < count; e++ {
			ev := act.Macro[e]
			if ev.Press {
				sector[base+e*3] = 0x01
			}
			sector[base+e*3+1] = uint8(ev.Keycode >> 8)
			sector[base+e*3+2] = uint8(ev.Keycode)
		}
	default:
		sector[off] = onbActionNone
	}
}

// buildDirectory serialises the profile directory sector: one four-byte
// entry per profile, terminated by 0xFFFF.
func buildDirectory(profiles []devstate.Profile) []byte {
	dir := make([]byte, (len(profiles)+1)*dirEntrySize)
	for i, p := range profiles {
		off := i * dirEntrySize
		dir[off] = 0x00
		dir[off+1] = uint8(i + 1)
		if p.Enabled {
			dir[off+2] = 0x01
		}
		dir[off+3] = 0xFF
	}
	dir[len(profiles)*dirEntrySize] = 0xFF
	dir[len(profiles)*dirEntrySize+1] = 0xFF
	return dir
}
