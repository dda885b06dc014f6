// Package steelseries implements the SteelSeries dialect: an opaque blob
// protocol with vendor magic, spoken in four wire versions. State is pushed
// blind and persisted with an explicit save command, which doubles as the
// commit barrier; protocols 2 and 3 additionally answer a settings query
// that load uses to correct the synthesised skeleton.
package steelseries

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/hidio"
)

const (
	numProfiles = 1
	numDpi      = 2

	reportSizeShort = 32
	reportSize      = 64
	reportSizeLong  = 262

	// Protocol 1 command bytes (short reports).
	idDpiShort        uint8 = 0x03
	idReportRateShort uint8 = 0x04
	idLedEffectShort  uint8 = 0x07
	idLedColorShort   uint8 = 0x08
	idSaveShort       uint8 = 0x09
	idFirmwareV1      uint8 = 0x10

	// Protocol 2 command bytes (64-byte reports).
	idButtons    uint8 = 0x31
	idDpi        uint8 = 0x53
	idReportRate uint8 = 0x54
	idSave       uint8 = 0x59
	idLed        uint8 = 0x5B
	idFirmwareV2 uint8 = 0x90
	idSettings   uint8 = 0x92

	// Protocol 3 command bytes (64-byte reports).
	idDpiV3        uint8 = 0x03
	idReportRateV3 uint8 = 0x04
	idLedV3        uint8 = 0x05
	idSaveV3       uint8 = 0x09
	idFirmwareV3   uint8 = 0x10
	idSettingsV3   uint8 = 0x16

	// Protocol 4 command bytes (short reports).
	idDpiV4        uint8 = 0x15
	idReportRateV4 uint8 = 0x17

	// Raw button bytecodes.
	buttonOff      uint8 = 0x00
	buttonResCycle uint8 = 0x30
	buttonWheelUp  uint8 = 0x31
	buttonWheelDn  uint8 = 0x32
	buttonKey      uint8 = 0x10
	buttonKbd      uint8 = 0x51

	buttonSizeSenseiRaw = 3
	buttonSizeStandard  = 5

	dpiMagicMarker uint8 = 0x42
)

var reportRates = []uint32{125, 250, 500, 1000}

// readBackTimeout bounds settings and firmware queries; several variants
// are write-only and never answer.
const readBackTimeout = 500 * time.Millisecond

// Driver pushes opaque configuration blobs to a SteelSeries mouse. The
// protocol version comes from the database entry; the wire formats differ
// per version but the command sequence is identical.
type Driver struct {
	log    *zap.Logger
	quirks driver.Quirks
	hints  driver.Hints

	version int
}

func Register(reg *driver.Registry) {
	reg.Register("steelseries", New)
}

func New(opts driver.Options) driver.Driver {
	version := opts.Quirks.Int("device-version", 1)
	return &Driver{
		log:     opts.Log,
		quirks:  opts.Quirks,
		hints:   opts.Hints,
		version: version,
	}
}

func (d *Driver) Name() string { return "SteelSeries" }

// Probe cannot interrogate the device; the protocol has no discovery
// surface. The capability shape comes from the database entry.
func (d *Driver) Probe(ctx context.Context, io *hidio.DeviceIo) (devstate.Capabilities, error) {
	if d.version < 1 || d.version > 4 {
		return devstate.Capabilities{}, fmt.Errorf("%w: protocol version %d", driver.ErrUnsupported, d.version)
	}
	caps := devstate.Capabilities{
		Flags:          devstate.CapButtonKey | devstate.CapButtonSpecial | devstate.CapLedColor,
		NumProfiles:    numProfiles,
		NumResolutions: numDpi,
		NumButtons:     6,
		NumLeds:        2,
		DpiMin:         100,
		DpiMax:         6500,
		DpiStep:        100,
		ReportRates:    reportRates,
		ColorDepth:     24,
		LedModes: []devstate.LedMode{
			devstate.LedOff, devstate.LedSolid, devstate.LedBreathing,
		},
		ButtonActions: []devstate.ActionType{
			devstate.ActionNone, devstate.ActionButton,
			devstate.ActionSpecial, devstate.ActionKey,
		},
	}
	if d.version == 4 {
		// v4 carries only DPI, report rate and save; no LED surface.
		caps.Flags &^= devstate.CapLedColor
		caps.NumLeds = 0
		caps.LedModes = nil
	}
	return d.hints.Apply(caps), nil
}

// LoadProfiles synthesises the default skeleton, then asks the device to
// correct it where the protocol version has a settings query (2 and 3).
func (d *Driver) LoadProfiles(ctx context.Context, io *hidio.DeviceIo, caps devstate.Capabilities) ([]devstate.Profile, error) {
	profile := devstate.Profile{
		Index:      0,
		Enabled:    true,
		Active:     true,
		ReportRate: 1000,
	}
	for r := 0; r < caps.NumResolutions; r++ {
		profile.Resolutions = append(profile.Resolutions, devstate.Resolution{
			Index:   r,
			DpiX:    800 * uint32(r+1),
			DpiY:    800 * uint32(r+1),
			Enabled: true,
			Active:  r == 0,
			Default: r == 0,
		})
	}
	for b := 0; b < caps.NumButtons; b++ {
		profile.Buttons = append(profile.Buttons, devstate.Button{
			Index:  b,
			Action: devstate.ButtonAction{Type: devstate.ActionButton, Button: uint32(b + 1)},
		})
	}
	for l := 0; l < caps.NumLeds; l++ {
		profile.Leds = append(profile.Leds, devstate.Led{
			Index:      l,
			Mode:       devstate.LedSolid,
			Color:      devstate.RGB{R: 255},
			Brightness: 255,
			ColorDepth: caps.ColorDepth,
		})
	}

	if err := d.readSettings(ctx, io, &profile); err != nil {
		d.log.Warn("settings read-back failed", zap.Error(err))
	}
	if fw := d.readFirmwareVersion(ctx, io); fw != "" {
		d.log.Debug("firmware version", zap.String("version", fw))
	}
	return []devstate.Profile{profile}, nil
}

// readSettings queries the active hardware settings and folds them into the
// skeleton. Only protocols 2 and 3 answer; write-only variants time out and
// the skeleton stands.
func (d *Driver) readSettings(ctx context.Context, io *hidio.DeviceIo, profile *devstate.Profile) error {
	var settingsID uint8
	switch d.version {
	case 2:
		settingsID = idSettings
	case 3:
		settingsID = idSettingsV3
	default:
		return nil
	}

	req := make([]byte, reportSize)
	req[0] = settingsID
	if err := io.WriteReport(req); err != nil {
		return err
	}
	readCtx, cancel := context.WithTimeout(ctx, readBackTimeout)
	defer cancel()
	buf, err := io.ReadReport(readCtx)
	if err != nil {
		if readCtx.Err() != nil {
			return nil
		}
		return err
	}
	if d.version == 2 {
		parseSettingsV2(buf, profile)
	} else {
		parseSettingsV3(buf, profile)
	}
	return nil
}

// parseSettingsV2 decodes the protocol 2 settings response: active
// resolution at [1] (one-based), DPI steps at [2+2i], LED colors at [6+3i].
func parseSettingsV2(buf []byte, profile *devstate.Profile) {
	if len(buf) < 2 {
		return
	}
	active := int(buf[1]) - 1
	for i := range profile.Resolutions {
		res := &profile.Resolutions[i]
		if active >= 0 && active < len(profile.Resolutions) {
			res.Active = i == active
			res.Default = res.Active
		}
		idx := 2 + i*2
		if idx < len(buf) {
			dpi := 100 * (1 + uint32(buf[idx]))
			res.DpiX = dpi
			res.DpiY = dpi
		}
	}
	for i := range profile.Leds {
		off := 6 + i*3
		if off+2 < len(buf) {
			profile.Leds[i].Color = devstate.RGB{R: buf[off], G: buf[off+1], B: buf[off+2]}
		}
	}
}

// parseSettingsV3 decodes the protocol 3 settings response, which only
// reports the active resolution at [0] (one-based).
func parseSettingsV3(buf []byte, profile *devstate.Profile) {
	if len(buf) < 1 {
		return
	}
	active := int(buf[0]) - 1
	if active < 0 || active >= len(profile.Resolutions) {
		return
	}
	for i := range profile.Resolutions {
		profile.Resolutions[i].Active = i == active
		profile.Resolutions[i].Default = i == active
	}
}

// readFirmwareVersion is best-effort; write-only variants never answer.
func (d *Driver) readFirmwareVersion(ctx context.Context, io *hidio.DeviceIo) string {
	var req []byte
	switch d.version {
	case 1:
		req = make([]byte, reportSizeShort)
		req[0] = idFirmwareV1
	case 2:
		req = make([]byte, reportSize)
		req[0] = idFirmwareV2
	case 3:
		req = make([]byte, reportSize)
		req[0] = idFirmwareV3
	default:
		return ""
	}
	if err := io.WriteReport(req); err != nil {
		return ""
	}
	readCtx, cancel := context.WithTimeout(ctx, readBackTimeout)
	defer cancel()
	buf, err := io.ReadReport(readCtx)
	if err != nil || len(buf) < 2 {
		return ""
	}
	return fmt.Sprintf("%d.%d", buf[1], buf[0])
}

// Commit pushes the active profile blind: DPI, buttons, LEDs, report rate,
// then the save command that persists everything to EEPROM.
func (d *Driver) Commit(ctx context.Context, io *hidio.DeviceIo, dev *devstate.Device, diff devstate.Diff) error {
	if diff.Empty() {
		return nil
	}
	active := dev.ActiveProfile()
	if active < 0 {
		return fmt.Errorf("%w: no active profile", driver.ErrProtocol)
	}
	profile := &dev.Profiles[active]
	var written []devstate.ProfileDiff

	for ri, res := range profile.Resolutions {
		if !res.Active {
			continue
		}
		if err := io.WriteReport(d.buildDpi(ri, res.DpiX)); err != nil {
			return &driver.PartialCommitError{Written: written, Err: err}
		}
		written = append(written, devstate.ProfileDiff{Index: active, Resolutions: []int{ri}})
		break
	}

	if err := d.writeButtons(io, profile); err != nil {
		return &driver.PartialCommitError{Written: written, Err: err}
	}
	written = append(written, devstate.ProfileDiff{Index: active, Buttons: allIndexes(len(profile.Buttons))})

	for li := range profile.Leds {
		for _, report := range d.buildLed(&profile.Leds[li]) {
			if err := io.WriteReport(report); err != nil {
				return &driver.PartialCommitError{Written: written, Err: err}
			}
		}
		written = append(written, devstate.ProfileDiff{Index: active, Leds: []int{li}})
	}

	if err := io.WriteReport(d.buildReportRate(profile.ReportRate)); err != nil {
		return &driver.PartialCommitError{Written: written, Err: err}
	}

	if err := io.WriteReport(d.buildSave()); err != nil {
		return &driver.PartialCommitError{Written: written, Err: err}
	}
	d.log.Debug("steelseries commit saved to EEPROM")
	return nil
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (d *Driver) buildDpi(resIndex int, dpi uint32) []byte {
	scaled := uint8(0)
	if dpi >= 200 {
		scaled = uint8(dpi/100 - 1)
	}
	switch d.version {
	case 1:
		buf := make([]byte, reportSizeShort)
		buf[0] = idDpiShort
		buf[1] = uint8(resIndex + 1)
		buf[2] = scaled
		return buf
	case 3:
		buf := make([]byte, reportSize)
		buf[0] = idDpiV3
		buf[2] = uint8(resIndex + 1)
		buf[3] = scaled
		buf[5] = dpiMagicMarker
		return buf
	case 4:
		buf := make([]byte, reportSizeShort)
		buf[0] = idDpiV4
		buf[1] = uint8(resIndex + 1)
		buf[2] = scaled
		return buf
	}
	buf := make([]byte, reportSize)
	buf[0] = idDpi
	buf[2] = uint8(resIndex + 1)
	buf[3] = scaled
	buf[6] = dpiMagicMarker
	return buf
}

func (d *Driver) buildReportRate(hz uint32) []byte {
	if hz < 125 {
		hz = 125
	}
	rate := uint8(1000 / hz)
	switch d.version {
	case 1:
		buf := make([]byte, reportSizeShort)
		buf[0] = idReportRateShort
		buf[2] = rate
		return buf
	case 3:
		buf := make([]byte, reportSize)
		buf[0] = idReportRateV3
		buf[2] = rate
		return buf
	case 4:
		buf := make([]byte, reportSizeShort)
		buf[0] = idReportRateV4
		buf[2] = rate
		return buf
	}
	buf := make([]byte, reportSize)
	buf[0] = idReportRate
	buf[2] = rate
	return buf
}

// writeButtons pushes the button blob; protocol 3 carries it in a feature
// report instead of an output report.
func (d *Driver) writeButtons(io *hidio.DeviceIo, profile *devstate.Profile) error {
	buf := d.buildButtons(profile)
	if d.version == 3 {
		return io.FeatureReportSet(buf)
	}
	return io.WriteReport(buf)
}

func (d *Driver) buildButtons(profile *devstate.Profile) []byte {
	senseiRaw := d.quirks.Bool("sensei-raw")
	size := reportSizeLong
	stride := buttonSizeStandard
	if senseiRaw {
		size = reportSizeShort
		stride = buttonSizeSenseiRaw
	}
	buf := make([]byte, size)
	buf[0] = idButtons

	for _, btn := range profile.Buttons {
		off := 2 + btn.Index*stride
		if off+stride > size {
			continue
		}
		switch btn.Action.Type {
		case devstate.ActionButton:
			buf[off] = uint8(btn.Action.Button)
		case devstate.ActionSpecial:
			switch btn.Action.Special {
			case 4:
				buf[off] = buttonWheelUp
			case 5:
				buf[off] = buttonWheelDn
			case 9:
				buf[off] = buttonResCycle
			default:
				buf[off] = buttonOff
			}
		case devstate.ActionKey:
			buf[off] = buttonKbd
			if stride == buttonSizeStandard {
				buf[off+1] = uint8(btn.Action.Key)
			} else {
				buf[off] = buttonKey
				buf[off+1] = uint8(btn.Action.Key)
			}
		default:
			buf[off] = buttonOff
		}
	}
	return buf
}

// buildLed returns the report sequence for one LED; protocol 1 splits
// effect and color into two short reports.
func (d *Driver) buildLed(led *devstate.Led) [][]byte {
	if d.version == 1 {
		effect := uint8(0x01)
		if led.Mode == devstate.LedBreathing {
			switch {
			case led.EffectDuration <= 3000:
				effect = 0x04
			case led.EffectDuration <= 5000:
				effect = 0x03
			default:
				effect = 0x02
			}
		}
		effectBuf := make([]byte, reportSizeShort)
		effectBuf[0] = idLedEffectShort
		effectBuf[1] = uint8(led.Index + 1)
		effectBuf[2] = effect

		colorBuf := make([]byte, reportSizeShort)
		colorBuf[0] = idLedColorShort
		colorBuf[1] = uint8(led.Index + 1)
		colorBuf[2] = led.Color.R
		colorBuf[3] = led.Color.G
		colorBuf[4] = led.Color.B
		if led.Mode == devstate.LedOff {
			colorBuf[2], colorBuf[3], colorBuf[4] = 0, 0, 0
		}
		return [][]byte{effectBuf, colorBuf}
	}

	if d.version == 3 {
		// Protocol 3 gradient envelope: led id echoed at [2] and [7],
		// duration LE at [8..10], repeat flag at [24], point count at [29],
		// 4-byte color points from [30].
		buf := make([]byte, reportSize)
		buf[0] = idLedV3
		buf[2] = uint8(led.Index)
		buf[7] = uint8(led.Index)
		if led.Mode == devstate.LedOff || led.Mode == devstate.LedSolid {
			buf[24] = 0x01
		}
		npoints := 1
		if led.Mode != devstate.LedOff {
			buf[30] = led.Color.R
			buf[31] = led.Color.G
			buf[32] = led.Color.B
		}
		if led.Mode == devstate.LedBreathing {
			p := 30 + npoints*4
			buf[p] = led.Color.R
			buf[p+1] = led.Color.G
			buf[p+2] = led.Color.B
			buf[p+3] = 0x7F
			npoints++
			p = 30 + npoints*4
			buf[p+3] = 0x7F
			npoints++
		}
		buf[29] = uint8(npoints)
		duration := led.EffectDuration
		if min := uint32(npoints) * 330; duration < min {
			duration = min
		}
		buf[8] = uint8(duration)
		buf[9] = uint8(duration >> 8)
		return [][]byte{buf}
	}
	if d.version == 4 {
		// v4 has no LED command surface.
		return nil
	}

	// Protocol 2: a single 64-byte gradient envelope. Solid and off collapse
	// to a one-point gradient with repeat disabled.
	buf := make([]byte, reportSize)
	buf[0] = idLed
	buf[2] = uint8(led.Index)
	duration := led.EffectDuration
	if duration == 0 {
		duration = 1000
	}
	buf[3] = uint8(duration)
	buf[4] = uint8(duration >> 8)
	if led.Mode == devstate.LedOff || led.Mode == devstate.LedSolid {
		buf[19] = 0x01
	}
	buf[27] = 1
	if led.Mode != devstate.LedOff {
		buf[28] = led.Color.R
		buf[29] = led.Color.G
		buf[30] = led.Color.B
	}
	return [][]byte{buf}
}

func (d *Driver) buildSave() []byte {
	switch d.version {
	case 1:
		buf := make([]byte, reportSizeShort)
		buf[0] = idSaveShort
		return buf
	case 3, 4:
		buf := make([]byte, reportSize)
		buf[0] = idSaveV3
		return buf
	}
	buf := make([]byte, reportSize)
	buf[0] = idSave
	return buf
}
