// Package hidpp implements the shared report codec for the Logitech HID++
// protocol family.
//
// HID++ uses two report formats on the wire:
//   - short, report ID 0x10, 7 bytes
//   - long, report ID 0x11, 20 bytes
package hidpp

import "github.com/rodentd/rodentd/internal/devstate"

const (
	ReportIDShort uint8 = 0x10
	ReportIDLong  uint8 = 0x11

	ReportLenShort = 7
	ReportLenLong  = 20

	// Error sub-IDs.
	ErrorSubID10 uint8 = 0x8F
	ErrorSubID20 uint8 = 0xFF

	DeviceIdxWired uint8 = 0x00
)

// HID++ 2.0 feature pages.
const (
	PageRoot               uint16 = 0x0000
	PageDeviceName         uint16 = 0x0005
	PageSpecialKeysButtons uint16 = 0x1B04
	PageAdjustableDpi      uint16 = 0x2201
	PageReportRate         uint16 = 0x8060
	PageColorLedEffects    uint16 = 0x8070
	PageRgbEffects         uint16 = 0x8071
	PageOnboardProfiles    uint16 = 0x8100
)

// Root feature function IDs. The root feature index is fixed at 0x00.
const (
	RootFeatureIndex    uint8 = 0x00
	RootFnGetFeature    uint8 = 0x00
	RootFnGetProtocolVn uint8 = 0x01
)

// LED hardware mode bytes used in the 11-byte zone effect payload.
const (
	LedHwOff       uint8 = 0x00
	LedHwFixed     uint8 = 0x01
	LedHwCycle     uint8 = 0x03
	LedHwColorWave uint8 = 0x04
	LedHwStarlight uint8 = 0x05
	LedHwBreathing uint8 = 0x0A
)

// LedPayloadSize is the length of the per-zone LED effect payload.
const LedPayloadSize = 11

// Report is a parsed HID++ report. Long is false for 7-byte short reports.
type Report struct {
	Long        bool
	DeviceIndex uint8
	SubID       uint8
	Address     uint8
	Params      []byte
}

// Parse decodes a raw buffer into a Report. It returns false when the buffer
// is too short or carries an unknown report ID.
func Parse(buf []byte) (Report, bool) {
	if len(buf) < ReportLenShort {
		return Report{}, false
	}
	switch buf[0] {
	case ReportIDShort:
		return Report{
			DeviceIndex: buf[1],
			SubID:       buf[2],
			Params:      append([]byte(nil), buf[3:6]...),
		}, true
	case ReportIDLong:
		if len(buf) < ReportLenLong {
			return Report{}, false
		}
		return Report{
			Long:        true,
			DeviceIndex: buf[1],
			SubID:       buf[2],
			Address:     buf[3],
			Params:      append([]byte(nil), buf[4:20]...),
		}, true
	}
	return Report{}, false
}

// IsError reports whether this is an error response (0x8F short, 0xFF long).
func (r Report) IsError() bool {
	if r.Long {
		return r.SubID == ErrorSubID20
	}
	return r.SubID == ErrorSubID10
}

// Matches20 reports whether this long report answers a HID++ 2.0 request for
// the given device and feature index.
func (r Report) Matches20(deviceIndex, featureIndex uint8) bool {
	return r.Long && r.DeviceIndex == deviceIndex && r.SubID == featureIndex
}

// BuildShort builds a 7-byte HID++ short report.
func BuildShort(deviceIndex, subID uint8, params [3]uint8) []byte {
	return []byte{ReportIDShort, deviceIndex, subID, params[0], params[1], params[2], 0x00}
}

// BuildRequest20 builds a HID++ 2.0 feature request:
// [0x11, deviceIdx, featureIdx, fn<<4|swID, params...] padded to 20 bytes.
func BuildRequest20(deviceIndex, featureIndex, function, swID uint8, params []byte) []byte {
	buf := make([]byte, ReportLenLong)
	buf[0] = ReportIDLong
	buf[1] = deviceIndex
	buf[2] = featureIndex
	buf[3] = (function << 4) | (swID & 0x0F)
	n := len(params)
	if n > 16 {
		n = 16
	}
	copy(buf[4:4+n], params[:n])
	return buf
}

// BuildLedPayload serialises an LED into the 11-byte zone effect payload.
// Byte layouts per mode:
//
//	Off:       [0x00, ...]
//	Solid:     [0x01, R, G, B, ...]
//	Cycle:     [0x03, 0 x5, periodHi, periodLo, brightness, ...]
//	ColorWave: [0x04, 0 x5, periodHi, periodLo, brightness, ...]
//	Starlight: [0x05, skyR, skyG, skyB, starR, starG, starB, ...]
//	Breathing: [0x0A, R, G, B, periodHi, periodLo, waveform, brightness, ...]
//	TriColor:  [0x01, R, G, B, R2, G2, B2, R3, G3, B3, 0]
func BuildLedPayload(led devstate.Led) [LedPayloadSize]byte {
	var p [LedPayloadSize]byte
	period := led.EffectDuration
	if period > 0xFFFF {
		period = 0xFFFF
	}
	brightness := uint8(uint32(led.Brightness) * 100 / 255)

	switch led.Mode {
	case devstate.LedOff:
		p[0] = LedHwOff
	case devstate.LedSolid:
		p[0] = LedHwFixed
		p[1], p[2], p[3] = led.Color.R, led.Color.G, led.Color.B
	case devstate.LedCycle:
		p[0] = LedHwCycle
		p[6], p[7] = uint8(period>>8), uint8(period)
		p[8] = brightness
	case devstate.LedWave:
		p[0] = LedHwColorWave
		p[6], p[7] = uint8(period>>8), uint8(period)
		p[8] = brightness
	case devstate.LedStarlight:
		p[0] = LedHwStarlight
		p[1], p[2], p[3] = led.Color.R, led.Color.G, led.Color.B
		p[4], p[5], p[6] = led.ColorSecondary.R, led.ColorSecondary.G, led.ColorSecondary.B
	case devstate.LedBreathing:
		p[0] = LedHwBreathing
		p[1], p[2], p[3] = led.Color.R, led.Color.G, led.Color.B
		p[4], p[5] = uint8(period>>8), uint8(period)
		// waveform byte stays 0x00 (default sine)
		p[7] = brightness
	case devstate.LedTriColor:
		p[0] = LedHwFixed
		p[1], p[2], p[3] = led.Color.R, led.Color.G, led.Color.B
		p[4], p[5], p[6] = led.ColorSecondary.R, led.ColorSecondary.G, led.ColorSecondary.B
		p[7], p[8], p[9] = led.ColorTertiary.R, led.ColorTertiary.G, led.ColorTertiary.B
	}
	return p
}

// ParseLedPayload decodes an 11-byte zone effect payload into an LED.
func ParseLedPayload(payload []byte, led *devstate.Led) {
	if len(payload) < LedPayloadSize {
		return
	}
	switch payload[0] {
	case LedHwOff:
		led.Mode = devstate.LedOff
	case LedHwFixed:
		led.Mode = devstate.LedSolid
		led.Color = devstate.RGB{R: payload[1], G: payload[2], B: payload[3]}
	case LedHwCycle:
		led.Mode = devstate.LedCycle
		led.EffectDuration = uint32(payload[6])<<8 | uint32(payload[7])
		led.Brightness = uint8(uint32(payload[8]) * 255 / 100)
	case LedHwColorWave:
		led.Mode = devstate.LedWave
		led.EffectDuration = uint32(payload[6])<<8 | uint32(payload[7])
		led.Brightness = uint8(uint32(payload[8]) * 255 / 100)
	case LedHwStarlight:
		led.Mode = devstate.LedStarlight
		led.Color = devstate.RGB{R: payload[1], G: payload[2], B: payload[3]}
		led.ColorSecondary = devstate.RGB{R: payload[4], G: payload[5], B: payload[6]}
	case LedHwBreathing:
		led.Mode = devstate.LedBreathing
		led.Color = devstate.RGB{R: payload[1], G: payload[2], B: payload[3]}
		led.EffectDuration = uint32(payload[4])<<8 | uint32(payload[5])
		led.Brightness = uint8(uint32(payload[7]) * 255 / 100)
	}
}

// DecodeRateBitmap expands the 0x8060 report rate bitmap: bit n set means
// 1000/(n+1) Hz is supported.
func DecodeRateBitmap(bitmap uint8) []uint32 {
	var rates []uint32
	for bit := uint32(0); bit < 8; bit++ {
		if bitmap&(1<<bit) != 0 {
			rates = append(rates, 1000/(bit+1))
		}
	}
	return rates
}
