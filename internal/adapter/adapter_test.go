package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/testdev"
)

func testDefinition() *testdev.Definition {
	caps := devstate.Capabilities{
		Flags: devstate.CapProfileName | devstate.CapLedColor | devstate.CapLedBrightness |
			devstate.CapButtonMacro | devstate.CapButtonKey | devstate.CapButtonSpecial,
		NumProfiles:    2,
		NumResolutions: 3,
		NumButtons:     2,
		NumLeds:        1,
		ReportRates:    []uint32{125, 250, 500, 1000},
		DpiList:        []uint32{400, 800, 1600, 3200},
		MacroLength:    2,
		LedModes:       []devstate.LedMode{devstate.LedOff, devstate.LedSolid},
		ColorDepth:     24,
		ButtonActions: []devstate.ActionType{
			devstate.ActionNone, devstate.ActionButton, devstate.ActionSpecial,
			devstate.ActionKey, devstate.ActionMacro,
		},
	}
	def := &testdev.Definition{
		Sysname:      "test0",
		Name:         "Synthetic Mouse",
		Model:        "usb:1234:abcd:0",
		Capabilities: caps,
	}
	for p := 0; p < 2; p++ {
		profile := devstate.Profile{
			Index: p, Enabled: true, Active: p == 0, ReportRate: 1000,
		}
		dpis := []uint32{400, 800, 1600}
		for r := 0; r < 3; r++ {
			profile.Resolutions = append(profile.Resolutions, devstate.Resolution{
				Index: r, DpiX: dpis[r], DpiY: dpis[r], Enabled: true,
				Active: r == 1, Default: r == 1,
			})
		}
		for b := 0; b < 2; b++ {
			profile.Buttons = append(profile.Buttons, devstate.Button{
				Index: b, Action: devstate.ButtonAction{Type: devstate.ActionButton, Button: uint32(b)},
			})
		}
		profile.Leds = []devstate.Led{{Index: 0, Mode: devstate.LedOff, Brightness: 255, ColorDepth: 24}}
		def.Profiles = append(def.Profiles, profile)
	}
	return def
}

type fixture struct {
	manager *Manager
	device  *Device
	drv     *testdev.Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	def := testDefinition()
	a, drv, cancel := testdev.Spawn(context.Background(), zap.NewNop(), def)
	select {
	case <-a.Ready():
	case <-time.After(time.Second):
		t.Fatal("test device never became ready")
	}
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})

	manager := NewManager(zap.NewNop())
	manager.DevicePublished(def.Sysname, a)
	dev, err := manager.Device(def.Sysname)
	require.NoError(t, err)
	return &fixture{manager: manager, device: dev, drv: drv}
}

// eventually asserts a snapshot-derived condition; mutations are
// fire-and-forget, so reads race the actor's FIFO.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestManagerSurface(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 2, f.manager.APIVersion())
	assert.Equal(t, []string{BasePath + "/device/test0"}, f.manager.Devices())

	_, err := f.manager.Device("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeviceProperties(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "Synthetic Mouse", f.device.Name())
	assert.Equal(t, "usb:1234:abcd:0", f.device.Model())
	assert.NotZero(t, f.device.Capabilities())
	assert.Len(t, f.device.Profiles(), 2)
}

func TestSetDpiEndToEnd(t *testing.T) {
	f := newFixture(t)
	profile, err := f.device.Profile(0)
	require.NoError(t, err)
	res, err := profile.Resolution(2)
	require.NoError(t, err)

	require.NoError(t, res.SetResolution(3200, 3200))
	eventually(t, func() bool {
		x, _, err := res.Dpi()
		return err == nil && x == 3200
	})
	assert.True(t, profile.IsDirty())

	require.NoError(t, f.device.Commit(context.Background()))
	assert.False(t, profile.IsDirty())

	committed := f.drv.Committed()
	require.NotNil(t, committed)
	assert.Equal(t, uint32(3200), committed.Profiles[0].Resolutions[2].DpiX)
}

func TestOutOfRangeRejectedAtBoundary(t *testing.T) {
	f := newFixture(t)
	profile, _ := f.device.Profile(0)
	res, _ := profile.Resolution(0)

	err := res.SetResolution(5000, 5000)
	assert.ErrorIs(t, err, devstate.ErrOutOfRange)

	x, _, err := res.Dpi()
	require.NoError(t, err)
	assert.Equal(t, uint32(400), x)
}

func TestUnsupportedCapabilityRejected(t *testing.T) {
	f := newFixture(t)
	profile, _ := f.device.Profile(0)

	// angle snapping is not in the capability set
	err := profile.SetAngleSnapping(true)
	assert.ErrorIs(t, err, devstate.ErrUnsupported)

	// neither is an independent default resolution
	res, _ := profile.Resolution(0)
	assert.ErrorIs(t, res.SetDefault(), devstate.ErrUnsupported)
}

func TestSwitchActiveProfile(t *testing.T) {
	f := newFixture(t)
	profiles := f.device.Profiles()

	require.NoError(t, profiles[1].SetActive())
	eventually(t, func() bool { return profiles[1].IsActive() })
	assert.False(t, profiles[0].IsActive())

	require.NoError(t, f.device.Commit(context.Background()))
	committed := f.drv.Committed()
	assert.True(t, committed.Profiles[1].Active)
	assert.False(t, committed.Profiles[0].Active)
}

func TestMacroMappingScenario(t *testing.T) {
	f := newFixture(t)
	profile, _ := f.device.Profile(0)
	btn, err := profile.Button(1)
	require.NoError(t, err)

	seq := []devstate.MacroEvent{{Keycode: 30, Press: true}, {Keycode: 30, Press: false}}
	require.NoError(t, btn.SetMacro(seq))
	eventually(t, func() bool {
		mapping, err := btn.Mapping()
		return err == nil && mapping.Type == devstate.ActionMacro && len(mapping.Macro) == 2
	})

	tooLong := []devstate.MacroEvent{
		{Keycode: 30, Press: true}, {Keycode: 30, Press: false}, {Keycode: 31, Press: true},
	}
	assert.ErrorIs(t, btn.SetMacro(tooLong), devstate.ErrMalformedMacro)
}

func TestPartialCommitReadsUnknown(t *testing.T) {
	f := newFixture(t)
	profile, _ := f.device.Profile(0)
	led, err := profile.Led(0)
	require.NoError(t, err)

	require.NoError(t, profile.SetName("work"))
	require.NoError(t, led.SetColor(devstate.RGB{R: 255}))
	eventually(t, func() bool { return profile.IsDirty() })

	f.drv.FailNextCommit(&driver.PartialCommitError{
		Written: []devstate.ProfileDiff{{Index: 0, Fields: devstate.FieldName}},
		Err:     errors.New("led write failed"),
	})

	err = f.device.Commit(context.Background())
	var partial *driver.PartialCommitError
	require.ErrorAs(t, err, &partial)

	_, err = led.Color()
	assert.ErrorIs(t, err, devstate.ErrUnknown)
	_, err = led.Mode()
	assert.ErrorIs(t, err, devstate.ErrUnknown)
	// names are readable; only the failed subtree is unknown
	assert.Equal(t, "work", profile.Name())

	// recovery via reload
	require.NoError(t, f.device.Reload(context.Background()))
	_, err = led.Color()
	assert.NoError(t, err)
}

func TestWithdrawRemovesObject(t *testing.T) {
	f := newFixture(t)
	f.manager.DeviceWithdrawn("test0")
	assert.Empty(t, f.manager.Devices())
	_, err := f.manager.Device("test0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDpiListEnumeration(t *testing.T) {
	f := newFixture(t)
	profile, _ := f.device.Profile(0)
	res, _ := profile.Resolution(0)
	assert.Equal(t, []uint32{400, 800, 1600, 3200}, res.DpiList())
}

func TestLedSurface(t *testing.T) {
	f := newFixture(t)
	profile, _ := f.device.Profile(0)
	led, _ := profile.Led(0)

	assert.Equal(t, []devstate.LedMode{devstate.LedOff, devstate.LedSolid}, led.Modes())
	assert.Equal(t, uint32(24), led.ColorDepth())

	require.NoError(t, led.SetMode(devstate.LedSolid))
	require.NoError(t, led.SetBrightness(128))
	eventually(t, func() bool {
		mode, err := led.Mode()
		if err != nil || mode != devstate.LedSolid {
			return false
		}
		b, err := led.Brightness()
		return err == nil && b == 128
	})

	// capability-filtered mode
	assert.ErrorIs(t, led.SetMode(devstate.LedTriColor), devstate.ErrUnsupported)
}
