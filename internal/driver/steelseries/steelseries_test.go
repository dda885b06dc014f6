package steelseries

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/hidio"
)

// sinkConn records writes and can answer queries through respond; the
// protocol is otherwise write-only.
type sinkConn struct {
	mu          sync.Mutex
	writes      [][]byte
	featureSets [][]byte
	failAt      int // fail the n-th write (1-based), 0 = never
	respond     func(report []byte) []byte
	responses   chan []byte
	blocked     chan struct{}
	closeOnce   sync.Once
}

func newSinkConn() *sinkConn {
	return &sinkConn{
		responses: make(chan []byte, 8),
		blocked:   make(chan struct{}),
	}
}

func (c *sinkConn) Read(buf []byte) (int, error) {
	select {
	case resp := <-c.responses:
		return copy(buf, resp), nil
	case <-c.blocked:
		return 0, io.EOF
	}
}

func (c *sinkConn) Write(buf []byte) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), buf...))
	failed := c.failAt > 0 && len(c.writes) == c.failAt
	respond := c.respond
	c.mu.Unlock()
	if failed {
		return 0, errors.New("EPIPE")
	}
	if respond != nil {
		if resp := respond(buf); resp != nil {
			c.responses <- resp
		}
	}
	return len(buf), nil
}

func (c *sinkConn) GetFeatureReport(reportID uint8) ([]byte, error) { return []byte{reportID}, nil }

func (c *sinkConn) SetFeatureReport(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.featureSets = append(c.featureSets, append([]byte(nil), data...))
	return len(data), nil
}

func (c *sinkConn) Close() error {
	c.closeOnce.Do(func() { close(c.blocked) })
	return nil
}

// resetWrites clears the load-time query traffic so commit assertions start
// from a clean log.
func (c *sinkConn) resetWrites() {
	c.mu.Lock()
	c.writes = nil
	c.featureSets = nil
	c.mu.Unlock()
}

// answerQueries serves empty firmware/settings responses so load never
// waits out the read-back timeout.
func answerQueries(version int) func(report []byte) []byte {
	return func(report []byte) []byte {
		if len(report) == 0 {
			return nil
		}
		switch version {
		case 1:
			if report[0] == idFirmwareV1 {
				return []byte{0x02, 0x01}
			}
		case 2:
			if report[0] == idFirmwareV2 {
				return []byte{0x02, 0x01}
			}
			if report[0] == idSettings {
				return []byte{idSettings, 0x01}
			}
		case 3:
			if report[0] == idFirmwareV3 {
				return []byte{0x02, 0x01}
			}
			if report[0] == idSettingsV3 {
				return []byte{0x01}
			}
		}
		return nil
	}
}

func newTestDriver(t *testing.T, version int, conn *sinkConn) (*Driver, *hidio.DeviceIo, devstate.Capabilities, []devstate.Profile) {
	t.Helper()
	conn.respond = answerQueries(version)
	drv := New(driver.Options{
		Log:    zap.NewNop(),
		Quirks: driver.Quirks{"device-version": version},
	}).(*Driver)
	dio := hidio.New(zap.NewNop(), conn)
	t.Cleanup(func() { dio.Close() })

	caps, err := drv.Probe(context.Background(), dio)
	require.NoError(t, err)
	profiles, err := drv.LoadProfiles(context.Background(), dio, caps)
	require.NoError(t, err)
	conn.resetWrites()
	return drv, dio, caps, profiles
}

func TestLoadBuildsSkeleton(t *testing.T) {
	_, _, caps, profiles := newTestDriver(t, 1, newSinkConn())
	require.Len(t, profiles, 1)
	assert.True(t, profiles[0].Active)
	assert.Len(t, profiles[0].Resolutions, caps.NumResolutions)
	assert.True(t, profiles[0].Resolutions[0].Active)
	assert.Equal(t, uint32(800), profiles[0].Resolutions[0].DpiX)
}

func TestProbeRejectsUnknownVersion(t *testing.T) {
	drv := New(driver.Options{
		Log:    zap.NewNop(),
		Quirks: driver.Quirks{"device-version": 9},
	})
	conn := newSinkConn()
	dio := hidio.New(zap.NewNop(), conn)
	defer dio.Close()

	_, err := drv.Probe(context.Background(), dio)
	assert.ErrorIs(t, err, driver.ErrUnsupported)
}

func TestProbeV4HasNoLedSurface(t *testing.T) {
	drv := New(driver.Options{
		Log:    zap.NewNop(),
		Quirks: driver.Quirks{"device-version": 4},
	})
	conn := newSinkConn()
	dio := hidio.New(zap.NewNop(), conn)
	defer dio.Close()

	caps, err := drv.Probe(context.Background(), dio)
	require.NoError(t, err)
	assert.Equal(t, 0, caps.NumLeds)
	assert.Empty(t, caps.LedModes)
	assert.False(t, caps.Has(devstate.CapLedColor))
}

func TestCommitSequenceEndsWithSave(t *testing.T) {
	conn := newSinkConn()
	drv, dio, _, profiles := newTestDriver(t, 2, conn)

	dev := &devstate.Device{Profiles: profiles}
	diff := devstate.Diff{Profiles: []devstate.ProfileDiff{{Index: 0, Resolutions: []int{0}}}}
	require.NoError(t, drv.Commit(context.Background(), dio, dev, diff))

	conn.mu.Lock()
	writes := conn.writes
	conn.mu.Unlock()
	require.NotEmpty(t, writes)
	assert.Equal(t, idDpi, writes[0][0])
	assert.Equal(t, idSave, writes[len(writes)-1][0])

	// every report before save is one of the known command blobs
	for _, w := range writes[:len(writes)-1] {
		assert.Contains(t, []uint8{idDpi, idButtons, idLed, idReportRate}, w[0])
	}
}

func TestCommitV3ButtonsGoThroughFeatureReport(t *testing.T) {
	conn := newSinkConn()
	drv, dio, _, profiles := newTestDriver(t, 3, conn)

	dev := &devstate.Device{Profiles: profiles}
	diff := devstate.Diff{Profiles: []devstate.ProfileDiff{{Index: 0, Buttons: []int{0}}}}
	require.NoError(t, drv.Commit(context.Background(), dio, dev, diff))

	conn.mu.Lock()
	writes := conn.writes
	featureSets := conn.featureSets
	conn.mu.Unlock()

	require.Len(t, featureSets, 1)
	assert.Equal(t, idButtons, featureSets[0][0])
	// the button blob must not travel as an output report
	for _, w := range writes {
		assert.NotEqual(t, idButtons, w[0])
	}
	assert.Equal(t, idSaveV3, writes[len(writes)-1][0])
}

func TestCommitPartialFailure(t *testing.T) {
	conn := newSinkConn()
	drv, dio, _, profiles := newTestDriver(t, 1, conn)
	conn.mu.Lock()
	conn.failAt = 2 // buttons blob fails after the DPI write landed
	conn.mu.Unlock()

	dev := &devstate.Device{Profiles: profiles}
	diff := devstate.Diff{Profiles: []devstate.ProfileDiff{{Index: 0, Resolutions: []int{0}}}}
	err := drv.Commit(context.Background(), dio, dev, diff)

	var partial *driver.PartialCommitError
	require.ErrorAs(t, err, &partial)
	require.Len(t, partial.Written, 1)
	assert.Equal(t, []int{0}, partial.Written[0].Resolutions)
}

func newVersioned(version int) *Driver {
	return New(driver.Options{Log: zap.NewNop(), Quirks: driver.Quirks{"device-version": version}}).(*Driver)
}

func TestDpiBlobV1(t *testing.T) {
	buf := newVersioned(1).buildDpi(0, 800)
	assert.Len(t, buf, reportSizeShort)
	assert.Equal(t, idDpiShort, buf[0])
	assert.Equal(t, uint8(1), buf[1])
	assert.Equal(t, uint8(7), buf[2]) // 800/100 - 1
}

func TestDpiBlobV2CarriesMagic(t *testing.T) {
	buf := newVersioned(2).buildDpi(1, 1600)
	assert.Len(t, buf, reportSize)
	assert.Equal(t, idDpi, buf[0])
	assert.Equal(t, uint8(2), buf[2])
	assert.Equal(t, uint8(15), buf[3])
	assert.Equal(t, dpiMagicMarker, buf[6])
}

func TestDpiBlobV3MagicMovesForward(t *testing.T) {
	buf := newVersioned(3).buildDpi(0, 800)
	assert.Len(t, buf, reportSize)
	assert.Equal(t, idDpiV3, buf[0])
	assert.Equal(t, uint8(1), buf[2])
	assert.Equal(t, uint8(7), buf[3])
	assert.Equal(t, dpiMagicMarker, buf[5])
}

func TestDpiBlobV4IsShort(t *testing.T) {
	buf := newVersioned(4).buildDpi(1, 1600)
	assert.Len(t, buf, reportSizeShort)
	assert.Equal(t, idDpiV4, buf[0])
	assert.Equal(t, uint8(2), buf[1])
	assert.Equal(t, uint8(15), buf[2])
}

func TestReportRateBlobPerVersion(t *testing.T) {
	cases := []struct {
		version int
		id      uint8
		size    int
	}{
		{1, idReportRateShort, reportSizeShort},
		{2, idReportRate, reportSize},
		{3, idReportRateV3, reportSize},
		{4, idReportRateV4, reportSizeShort},
	}
	for _, tc := range cases {
		buf := newVersioned(tc.version).buildReportRate(500)
		assert.Len(t, buf, tc.size, "version %d", tc.version)
		assert.Equal(t, tc.id, buf[0], "version %d", tc.version)
		assert.Equal(t, uint8(2), buf[2], "version %d", tc.version)
	}
}

func TestSaveBlobPerVersion(t *testing.T) {
	assert.Equal(t, idSaveShort, newVersioned(1).buildSave()[0])
	assert.Equal(t, idSave, newVersioned(2).buildSave()[0])
	assert.Equal(t, idSaveV3, newVersioned(3).buildSave()[0])
	assert.Equal(t, idSaveV3, newVersioned(4).buildSave()[0])
}

func TestLedBlobV1SplitsEffectAndColor(t *testing.T) {
	led := devstate.Led{Index: 0, Mode: devstate.LedBreathing, Color: devstate.RGB{R: 10, G: 20, B: 30}, EffectDuration: 2000}
	reports := newVersioned(1).buildLed(&led)
	require.Len(t, reports, 2)
	assert.Equal(t, idLedEffectShort, reports[0][0])
	assert.Equal(t, uint8(0x04), reports[0][2])
	assert.Equal(t, idLedColorShort, reports[1][0])
	assert.Equal(t, []byte{10, 20, 30}, reports[1][2:5])
}

func TestLedBlobV3BreathingGradient(t *testing.T) {
	led := devstate.Led{Index: 1, Mode: devstate.LedBreathing, Color: devstate.RGB{R: 10, G: 20, B: 30}, EffectDuration: 2000}
	reports := newVersioned(3).buildLed(&led)
	require.Len(t, reports, 1)
	buf := reports[0]
	assert.Equal(t, idLedV3, buf[0])
	assert.Equal(t, uint8(1), buf[2])
	assert.Equal(t, uint8(1), buf[7])
	assert.Equal(t, uint8(3), buf[29]) // three gradient points
	assert.Equal(t, []byte{10, 20, 30}, buf[30:33])
	// duration 2000 = 0x07D0 little-endian
	assert.Equal(t, uint8(0xD0), buf[8])
	assert.Equal(t, uint8(0x07), buf[9])
}

func TestLedBlobV4Absent(t *testing.T) {
	led := devstate.Led{Index: 0, Mode: devstate.LedSolid}
	assert.Nil(t, newVersioned(4).buildLed(&led))
}

func TestParseSettingsV2(t *testing.T) {
	profile := devstate.Profile{
		Resolutions: []devstate.Resolution{
			{Index: 0, DpiX: 800, DpiY: 800, Enabled: true, Active: true, Default: true},
			{Index: 1, DpiX: 1600, DpiY: 1600, Enabled: true},
		},
		Leds: []devstate.Led{{Index: 0}, {Index: 1}},
	}
	// active = slot 2, dpi steps 7 and 15, led colors after
	buf := []byte{idSettings, 0x02, 7, 0, 15, 0, 255, 128, 0, 10, 20, 30}
	parseSettingsV2(buf, &profile)

	assert.False(t, profile.Resolutions[0].Active)
	assert.True(t, profile.Resolutions[1].Active)
	assert.Equal(t, uint32(800), profile.Resolutions[0].DpiX)
	assert.Equal(t, uint32(1600), profile.Resolutions[1].DpiX)
	assert.Equal(t, devstate.RGB{R: 255, G: 128, B: 0}, profile.Leds[0].Color)
	assert.Equal(t, devstate.RGB{R: 10, G: 20, B: 30}, profile.Leds[1].Color)
}

func TestParseSettingsV2OutOfRangeKeepsSkeletonFlags(t *testing.T) {
	profile := devstate.Profile{
		Resolutions: []devstate.Resolution{
			{Index: 0, Enabled: true, Active: true, Default: true},
			{Index: 1, Enabled: true},
		},
	}
	parseSettingsV2([]byte{idSettings, 0x09}, &profile)
	assert.True(t, profile.Resolutions[0].Active)
}

func TestParseSettingsV3(t *testing.T) {
	profile := devstate.Profile{
		Resolutions: []devstate.Resolution{
			{Index: 0, Enabled: true, Active: true, Default: true},
			{Index: 1, Enabled: true},
		},
	}
	parseSettingsV3([]byte{0x02}, &profile)
	assert.False(t, profile.Resolutions[0].Active)
	assert.True(t, profile.Resolutions[1].Active)
	assert.True(t, profile.Resolutions[1].Default)
}

func TestLoadReadsBackV2Settings(t *testing.T) {
	conn := newSinkConn()
	conn.respond = func(report []byte) []byte {
		switch report[0] {
		case idSettings:
			// active = slot 2, dpi steps 3 and 11
			return []byte{idSettings, 0x02, 3, 0, 11, 0}
		case idFirmwareV2:
			return []byte{0x02, 0x01}
		}
		return nil
	}
	drv := New(driver.Options{Log: zap.NewNop(), Quirks: driver.Quirks{"device-version": 2}}).(*Driver)
	dio := hidio.New(zap.NewNop(), conn)
	defer dio.Close()

	caps, err := drv.Probe(context.Background(), dio)
	require.NoError(t, err)
	profiles, err := drv.LoadProfiles(context.Background(), dio, caps)
	require.NoError(t, err)

	require.Len(t, profiles, 1)
	assert.True(t, profiles[0].Resolutions[1].Active)
	assert.False(t, profiles[0].Resolutions[0].Active)
	assert.Equal(t, uint32(400), profiles[0].Resolutions[0].DpiX)
	assert.Equal(t, uint32(1200), profiles[0].Resolutions[1].DpiX)
}
