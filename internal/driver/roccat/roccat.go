// Package roccat implements the Roccat family dialect: a fixed-register
// protocol carried entirely in HID feature reports. Every report embeds a
// additive 16-bit checksum in its trailing two bytes, and the device must be
// polled for readiness between configuration writes.
package roccat

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/hidio"
)

const (
	numProfiles = 5
	numDpi      = 5

	reportIDConfigureProfile uint8 = 4
	reportIDProfile          uint8 = 5
	reportIDSettings         uint8 = 6
	reportIDKeyMapping       uint8 = 7
	reportIDMacro            uint8 = 8

	settingsLen   = 43
	keyMappingLen = 77
	macroLen      = 2082

	maxMacroEvents = 500

	configSettings   uint8 = 0x80
	configKeyMapping uint8 = 0x90

	buttonStride   = 3
	buttonIndexMax = 24

	maxReadyRetries = 10
)

// dpiUnit is the hardware DPI granularity; the double-dpi quirk doubles it.
const dpiUnit = 50

var reportRates = []uint32{125, 250, 500, 1000}

// settingsReport is the 43-byte per-profile settings register block.
type settingsReport struct {
	reportID     uint8
	reportLength uint8
	profileID    uint8
	xyLinked     uint8
	xSensitivity uint8
	ySensitivity uint8
	dpiMask      uint8
	xres         [numDpi]uint8
	currentDpi   uint8
	yres         [numDpi]uint8
	padding1     uint8
	reportRate   uint8
	padding2     [21]uint8
	checksum     uint16
}

func parseSettings(buf []byte) settingsReport {
	var r settingsReport
	r.reportID = buf[0]
	r.reportLength = buf[1]
	r.profileID = buf[2]
	r.xyLinked = buf[3]
	r.xSensitivity = buf[4]
	r.ySensitivity = buf[5]
	r.dpiMask = buf[6]
	copy(r.xres[:], buf[7:12])
	r.currentDpi = buf[12]
	copy(r.yres[:], buf[13:18])
	r.padding1 = buf[18]
	r.reportRate = buf[19]
	copy(r.padding2[:], buf[20:41])
	r.checksum = binary.LittleEndian.Uint16(buf[41:43])
	return r
}

func (r settingsReport) bytes() []byte {
	buf := make([]byte, settingsLen)
	buf[0] = r.reportID
	buf[1] = r.reportLength
	buf[2] = r.profileID
	buf[3] = r.xyLinked
	buf[4] = r.xSensitivity
	buf[5] = r.ySensitivity
	buf[6] = r.dpiMask
	copy(buf[7:12], r.xres[:])
	buf[12] = r.currentDpi
	copy(buf[13:18], r.yres[:])
	buf[18] = r.padding1
	buf[19] = r.reportRate
	copy(buf[20:41], r.padding2[:])
	binary.LittleEndian.PutUint16(buf[41:43], r.checksum)
	return buf
}

// keyMappingReport is the 77-byte button assignment block: 24 buttons at
// three bytes each.
type keyMappingReport struct {
	reportID     uint8
	reportLength uint8
	profileID    uint8
	buttons      [buttonIndexMax * buttonStride]uint8
	checksum     uint16
}

func parseKeyMapping(buf []byte) keyMappingReport {
	var r keyMappingReport
	r.reportID = buf[0]
	r.reportLength = buf[1]
	r.profileID = buf[2]
	copy(r.buttons[:], buf[3:75])
	r.checksum = binary.LittleEndian.Uint16(buf[75:77])
	return r
}

func (r keyMappingReport) bytes() []byte {
	buf := make([]byte, keyMappingLen)
	buf[0] = r.reportID
	buf[1] = r.reportLength
	buf[2] = r.profileID
	copy(buf[3:75], r.buttons[:])
	binary.LittleEndian.PutUint16(buf[75:77], r.checksum)
	return buf
}

// macroEvent is one entry of the on-device macro table. The flag byte
// carries 0x01 for press and 0x02 for release; time is the wait after the
// event in milliseconds.
type macroEvent struct {
	keycode uint8
	flag    uint8
	time    uint16
}

const (
	macroFlagPress   uint8 = 0x01
	macroFlagRelease uint8 = 0x02
)

// macroReport is the 2082-byte per-button macro block.
type macroReport struct {
	reportID     uint8
	reportLength uint16
	profile      uint8
	buttonIndex  uint8
	active       uint8
	padding      [24]uint8
	group        [24]uint8
	name         [24]uint8
	length       uint16
	keys         [maxMacroEvents]macroEvent
	checksum     uint16
}

func parseMacro(buf []byte) macroReport {
	var r macroReport
	r.reportID = buf[0]
	r.reportLength = binary.LittleEndian.Uint16(buf[1:3])
	r.profile = buf[3]
	r.buttonIndex = buf[4]
	r.active = buf[5]
	copy(r.padding[:], buf[6:30])
	copy(r.group[:], buf[30:54])
	copy(r.name[:], buf[54:78])
	r.length = binary.LittleEndian.Uint16(buf[78:80])
	for i := 0; i < maxMacroEvents; i++ {
		off := 80 + i*4
		r.keys[i] = macroEvent{
			keycode: buf[off],
			flag:    buf[off+1],
			time:    binary.LittleEndian.Uint16(buf[off+2 : off+4]),
		}
	}
	r.checksum = binary.LittleEndian.Uint16(buf[2080:2082])
	return r
}

func (r macroReport) bytes() []byte {
	buf := make([]byte, macroLen)
	buf[0] = r.reportID
	binary.LittleEndian.PutUint16(buf[1:3], r.reportLength)
	buf[3] = r.profile
	buf[4] = r.buttonIndex
	buf[5] = r.active
	copy(buf[6:30], r.padding[:])
	copy(buf[30:54], r.group[:])
	copy(buf[54:78], r.name[:])
	binary.LittleEndian.PutUint16(buf[78:80], r.length)
	for i := 0; i < maxMacroEvents; i++ {
		off := 80 + i*4
		buf[off] = r.keys[i].keycode
		buf[off+1] = r.keys[i].flag
		binary.LittleEndian.PutUint16(buf[off+2:off+4], r.keys[i].time)
	}
	binary.LittleEndian.PutUint16(buf[2080:2082], r.checksum)
	return buf
}

// macroEvents converts the stored table into canonical macro events. Wait
// entries carry no key transition and are dropped.
func (r macroReport) macroEvents() []devstate.MacroEvent {
	count := int(r.length)
	if count > maxMacroEvents {
		count = maxMacroEvents
	}
	var events []devstate.MacroEvent
	for i := 0; i < count; i++ {
		key := r.keys[i]
		switch {
		case key.flag&macroFlagPress != 0:
			events = append(events, devstate.MacroEvent{Keycode: uint16(key.keycode), Press: true})
		case key.flag&macroFlagRelease != 0:
			events = append(events, devstate.MacroEvent{Keycode: uint16(key.keycode), Press: false})
		}
	}
	return events
}

// buildMacro serialises canonical macro events into a macro report. Each
// event gets the firmware's default 50 ms wait.
func buildMacro(profile, buttonIndex uint8, events []devstate.MacroEvent) macroReport {
	r := macroReport{
		reportID:     reportIDMacro,
		reportLength: macroLen,
		profile:      profile,
		buttonIndex:  buttonIndex,
		active:       0x01,
	}
	r.group[0] = 'g'
	r.group[1] = '0'
	count := len(events)
	if count > maxMacroEvents {
		count = maxMacroEvents
	}
	for i := 0; i < count; i++ {
		ev := events[i]
		flag := macroFlagRelease
		if ev.Press {
			flag = macroFlagPress
		}
		r.keys[i] = macroEvent{
			keycode: uint8(ev.Keycode),
			flag:    flag,
			time:    50,
		}
	}
	r.length = uint16(count)
	return r
}

// computeCRC sums every byte except the trailing two, wrapping at 16 bits.
func computeCRC(buf []byte) uint16 {
	if len(buf) < 3 {
		return 0
	}
	var crc uint16
	for _, b := range buf[:len(buf)-2] {
		crc += uint16(b)
	}
	return crc
}

func crcValid(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	return computeCRC(buf) == binary.LittleEndian.Uint16(buf[len(buf)-2:])
}

func sealCRC(buf []byte) {
	binary.LittleEndian.PutUint16(buf[len(buf)-2:], computeCRC(buf))
}

// rawToAction translates a Roccat button bytecode into the canonical action.
func rawToAction(raw uint8) devstate.ButtonAction {
	switch raw {
	case 1, 2, 3:
		return devstate.ButtonAction{Type: devstate.ActionButton, Button: uint32(raw)}
	case 7:
		return devstate.ButtonAction{Type: devstate.ActionButton, Button: 4}
	case 8:
		return devstate.ButtonAction{Type: devstate.ActionButton, Button: 5}
	case 4:
		return devstate.ButtonAction{Type: devstate.ActionSpecial, Special: 1}
	case 9, 10:
		return devstate.ButtonAction{Type: devstate.ActionSpecial, Special: uint32(raw) - 7}
	case 13, 14:
		return devstate.ButtonAction{Type: devstate.ActionSpecial, Special: uint32(raw) - 9}
	case 16, 17, 18:
		return devstate.ButtonAction{Type: devstate.ActionSpecial, Special: uint32(raw) - 10}
	case 20, 21, 22:
		return devstate.ButtonAction{Type: devstate.ActionSpecial, Special: uint32(raw) - 11}
	case 26:
		return devstate.ButtonAction{Type: devstate.ActionKey, Key: 125}
	case 48:
		// macro slot; the event table is read separately
		return devstate.ButtonAction{Type: devstate.ActionMacro}
	case 6:
		return devstate.ButtonAction{Type: devstate.ActionNone}
	default:
		return devstate.ButtonAction{Type: devstate.ActionNone}
	}
}

func actionToRaw(act devstate.ButtonAction) uint8 {
	switch act.Type {
	case devstate.ActionButton:
		switch act.Button {
		case 1, 2, 3:
			return uint8(act.Button)
		case 4:
			return 7
		case 5:
			return 8
		}
	case devstate.ActionSpecial:
		switch act.Special {
		case 1:
			return 4
		case 2, 3:
			return uint8(act.Special) + 7
		case 4, 5:
			return uint8(act.Special) + 9
		case 6, 7, 8:
			return uint8(act.Special) + 10
		case 9, 10, 11:
			return uint8(act.Special) + 11
		}
	case devstate.ActionKey:
		if act.Key == 125 {
			return 26
		}
	case devstate.ActionMacro:
		return 48
	}
	return 6
}

// Driver speaks the Roccat register protocol. Reports read at load time are
// cached so commits rewrite only the registers that changed around them.
type Driver struct {
	log    *zap.Logger
	quirks driver.Quirks
	hints  driver.Hints

	dpiUnit uint32

	cachedSettings [numProfiles]*settingsReport
	cachedMappings [numProfiles]*keyMappingReport
}

func Register(reg *driver.Registry) {
	reg.Register("roccat", New)
}

func New(opts driver.Options) driver.Driver {
	d := &Driver{
		log:     opts.Log,
		quirks:  opts.Quirks,
		hints:   opts.Hints,
		dpiUnit: dpiUnit,
	}
	if opts.Quirks.Bool("double-dpi") {
		d.dpiUnit *= 2
	}
	return d
}

func (d *Driver) Name() string { return "Roccat" }

// waitReady polls the configure-profile register until the device reports
// idle. Roccat firmware refuses interleaved configuration traffic.
func (d *Driver) waitReady(ctx context.Context, io *hidio.DeviceIo) error {
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < maxReadyRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		buf, err := io.FeatureReportGet(reportIDConfigureProfile)
		if err != nil {
			return err
		}
		if len(buf) >= 2 {
			switch buf[1] {
			case 0x01:
				return nil
			case 0x02:
				return fmt.Errorf("%w: device reported error state", driver.ErrRejected)
			case 0x03:
				backoff = 100 * time.Millisecond
				continue
			}
		}
		backoff *= 2
		if backoff > 100*time.Millisecond {
			backoff = 100 * time.Millisecond
		}
	}
	return fmt.Errorf("%w: device never became ready", hidio.ErrUnresponsive)
}

func (d *Driver) setConfigProfile(ctx context.Context, io *hidio.DeviceIo, profile, configType uint8) error {
	if err := io.FeatureReportSet([]byte{reportIDConfigureProfile, profile, configType}); err != nil {
		return err
	}
	return d.waitReady(ctx, io)
}

func (d *Driver) readSettings(ctx context.Context, io *hidio.DeviceIo, profile uint8) (settingsReport, error) {
	if err := d.setConfigProfile(ctx, io, profile, configSettings); err != nil {
		return settingsReport{}, err
	}
	buf, err := io.FeatureReportGet(reportIDSettings)
	if err != nil {
		return settingsReport{}, err
	}
	if len(buf) < settingsLen {
		return settingsReport{}, fmt.Errorf("%w: settings report truncated to %d bytes", driver.ErrProtocol, len(buf))
	}
	if !crcValid(buf[:settingsLen]) {
		return settingsReport{}, fmt.Errorf("%w: settings checksum mismatch", driver.ErrProtocol)
	}
	return parseSettings(buf), nil
}

func (d *Driver) readKeyMapping(ctx context.Context, io *hidio.DeviceIo, profile uint8) (keyMappingReport, error) {
	if err := d.setConfigProfile(ctx, io, profile, configKeyMapping); err != nil {
		return keyMappingReport{}, err
	}
	buf, err := io.FeatureReportGet(reportIDKeyMapping)
	if err != nil {
		return keyMappingReport{}, err
	}
	if len(buf) < keyMappingLen {
		return keyMappingReport{}, fmt.Errorf("%w: key mapping report truncated to %d bytes", driver.ErrProtocol, len(buf))
	}
	if !crcValid(buf[:keyMappingLen]) {
		return keyMappingReport{}, fmt.Errorf("%w: key mapping checksum mismatch", driver.ErrProtocol)
	}
	return parseKeyMapping(buf), nil
}

func (d *Driver) writeSettings(ctx context.Context, io *hidio.DeviceIo, report *settingsReport) error {
	buf := report.bytes()
	sealCRC(buf)
	report.checksum = binary.LittleEndian.Uint16(buf[41:43])
	if err := io.FeatureReportSet(buf); err != nil {
		return err
	}
	return d.waitReady(ctx, io)
}

func (d *Driver) writeKeyMapping(ctx context.Context, io *hidio.DeviceIo, profile uint8, report *keyMappingReport) error {
	if err := d.setConfigProfile(ctx, io, profile, configKeyMapping); err != nil {
		return err
	}
	buf := report.bytes()
	sealCRC(buf)
	report.checksum = binary.LittleEndian.Uint16(buf[75:77])
	if err := io.FeatureReportSet(buf); err != nil {
		return err
	}
	return d.waitReady(ctx, io)
}

// readMacro fetches the macro table for one button. The device exposes it
// through the configure register: first the profile, then the button slot.
func (d *Driver) readMacro(ctx context.Context, io *hidio.DeviceIo, profile, button uint8) (macroReport, error) {
	if err := d.setConfigProfile(ctx, io, profile, 0); err != nil {
		return macroReport{}, err
	}
	if err := d.setConfigProfile(ctx, io, profile, button); err != nil {
		return macroReport{}, err
	}
	buf, err := io.FeatureReportGet(reportIDMacro)
	if err != nil {
		return macroReport{}, err
	}
	if len(buf) < macroLen {
		return macroReport{}, fmt.Errorf("%w: macro report truncated to %d bytes", driver.ErrProtocol, len(buf))
	}
	if !crcValid(buf[:macroLen]) {
		return macroReport{}, fmt.Errorf("%w: macro checksum mismatch", driver.ErrProtocol)
	}
	return parseMacro(buf), nil
}

func (d *Driver) writeMacro(ctx context.Context, io *hidio.DeviceIo, report *macroReport) error {
	buf := report.bytes()
	sealCRC(buf)
	report.checksum = binary.LittleEndian.Uint16(buf[2080:2082])
	if err := io.FeatureReportSet(buf); err != nil {
		return err
	}
	return d.waitReady(ctx, io)
}

func (d *Driver) Probe(ctx context.Context, io *hidio.DeviceIo) (devstate.Capabilities, error) {
	buf, err := io.FeatureReportGet(reportIDProfile)
	if err != nil {
		return devstate.Capabilities{}, err
	}
	if len(buf) < 3 {
		return devstate.Capabilities{}, fmt.Errorf("%w: profile register read returned %d bytes", driver.ErrUnsupported, len(buf))
	}
	d.log.Debug("Roccat device probed", zap.Uint8("currentProfile", buf[2]))

	caps := devstate.Capabilities{
		Flags: devstate.CapSeparateXY | devstate.CapDisableResolution |
			devstate.CapButtonKey | devstate.CapButtonSpecial | devstate.CapButtonMacro,
		NumProfiles:    numProfiles,
		NumResolutions: numDpi,
		NumButtons:     8,
		DpiMin:         d.dpiUnit * 4,
		DpiMax:         d.dpiUnit * 160,
		DpiStep:        d.dpiUnit,
		ReportRates:    reportRates,
		MacroLength:    maxMacroEvents,
		ColorDepth:     1,
		ButtonActions: []devstate.ActionType{
			devstate.ActionNone, devstate.ActionButton,
			devstate.ActionSpecial, devstate.ActionKey, devstate.ActionMacro,
		},
	}
	return d.hints.Apply(caps), nil
}

func (d *Driver) LoadProfiles(ctx context.Context, io *hidio.DeviceIo, caps devstate.Capabilities) ([]devstate.Profile, error) {
	active := 0
	if buf, err := io.FeatureReportGet(reportIDProfile); err == nil && len(buf) >= 3 && int(buf[2]) < caps.NumProfiles {
		active = int(buf[2])
	}

	profiles := make([]devstate.Profile, caps.NumProfiles)
	for p := 0; p < caps.NumProfiles; p++ {
		profile := devstate.Profile{
			Index:      p,
			Enabled:    true,
			Active:     p == active,
			ReportRate: 1000,
		}
		settings, err := d.readSettings(ctx, io, uint8(p))
		if err != nil {
			return nil, fmt.Errorf("profile %d settings: %w", p, err)
		}
		d.cachedSettings[p] = &settings

		for r := 0; r < caps.NumResolutions && r < numDpi; r++ {
			enabled := settings.dpiMask&(1<<r) != 0
			res := devstate.Resolution{
				Index:   r,
				Enabled: enabled,
				Active:  int(settings.currentDpi) == r,
				Default: int(settings.currentDpi) == r,
			}
			if enabled {
				res.DpiX = uint32(settings.xres[r]) * d.dpiUnit
				res.DpiY = uint32(settings.yres[r]) * d.dpiUnit
			}
			profile.Resolutions = append(profile.Resolutions, res)
		}
		if int(settings.reportRate) < len(reportRates) {
			profile.ReportRate = reportRates[settings.reportRate]
		}

		mapping, err := d.readKeyMapping(ctx, io, uint8(p))
		if err != nil {
			return nil, fmt.Errorf("profile %d key mapping: %w", p, err)
		}
		d.cachedMappings[p] = &mapping
		for b := 0; b < caps.NumButtons && b < buttonIndexMax; b++ {
			action := rawToAction(mapping.buttons[b*buttonStride])
			if action.Type == devstate.ActionMacro {
				macro, err := d.readMacro(ctx, io, uint8(p), uint8(b))
				if err != nil {
					return nil, fmt.Errorf("profile %d button %d macro: %w", p, b, err)
				}
				action.Macro = macro.macroEvents()
			}
			profile.Buttons = append(profile.Buttons, devstate.Button{
				Index:  b,
				Action: action,
			})
		}
		profiles[p] = profile
	}
	return profiles, nil
}

// Commit rewrites the settings and key-mapping registers of every dirty
// profile, then selects the active profile. The protocol has no transaction
// barrier; a mid-sequence failure leaves already-written registers live.
func (d *Driver) Commit(ctx context.Context, io *hidio.DeviceIo, dev *devstate.Device, diff devstate.Diff) error {
	var written []devstate.ProfileDiff
	for _, pd := range diff.Profiles {
		profile := &dev.Profiles[pd.Index]
		settings := d.cachedSettings[pd.Index]
		mapping := d.cachedMappings[pd.Index]
		if settings == nil || mapping == nil {
			return fmt.Errorf("%w: profile %d was never loaded", driver.ErrProtocol, pd.Index)
		}

		if len(pd.Resolutions) > 0 || pd.Fields&devstate.FieldReportRate != 0 {
			var mask uint8
			for r, res := range profile.Resolutions {
				if r >= numDpi {
					break
				}
				if res.Enabled {
					mask |= 1 << r
				}
				settings.xres[r] = uint8(res.DpiX / d.dpiUnit)
				settings.yres[r] = uint8(res.DpiY / d.dpiUnit)
				if res.Active {
					settings.currentDpi = uint8(r)
				}
			}
			settings.dpiMask = mask
			for i, rate := range reportRates {
				if rate == profile.ReportRate {
					settings.reportRate = uint8(i)
				}
			}
			if err := d.writeSettings(ctx, io, settings); err != nil {
				return &driver.PartialCommitError{Written: written, Err: err}
			}
			written = append(written, devstate.ProfileDiff{
				Index:       pd.Index,
				Fields:      pd.Fields & devstate.FieldReportRate,
				Resolutions: pd.Resolutions,
			})
		}

		if len(pd.Buttons) > 0 {
			for b, btn := range profile.Buttons {
				if b >= buttonIndexMax {
					break
				}
				mapping.buttons[b*buttonStride] = actionToRaw(btn.Action)
			}
			for _, b := range pd.Buttons {
				if b >= buttonIndexMax || profile.Buttons[b].Action.Type != devstate.ActionMacro {
					continue
				}
				macro := buildMacro(uint8(pd.Index), uint8(b), profile.Buttons[b].Action.Macro)
				if err := d.writeMacro(ctx, io, &macro); err != nil {
					return &driver.PartialCommitError{Written: written, Err: err}
				}
			}
			if err := d.writeKeyMapping(ctx, io, uint8(pd.Index), mapping); err != nil {
				return &driver.PartialCommitError{Written: written, Err: err}
			}
			written = append(written, devstate.ProfileDiff{Index: pd.Index, Buttons: pd.Buttons})
		}
	}

	for _, pd := range diff.Profiles {
		if pd.Fields&devstate.FieldActive != 0 && dev.Profiles[pd.Index].Active {
			if err := io.FeatureReportSet([]byte{reportIDProfile, 0x03, uint8(pd.Index)}); err != nil {
				return &driver.PartialCommitError{Written: written, Err: err}
			}
			if err := d.waitReady(ctx, io); err != nil {
				return &driver.PartialCommitError{Written: written, Err: err}
			}
		}
	}
	return nil
}
