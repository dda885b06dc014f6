package actor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/hidio"
)

// idleConn blocks reads until closed; the stub driver never touches the wire.
type idleConn struct {
	once sync.Once
	quit chan struct{}
}

func newIdleConn() *idleConn { return &idleConn{quit: make(chan struct{})} }

func (c *idleConn) Read(buf []byte) (int, error) {
	<-c.quit
	return 0, io.EOF
}
func (c *idleConn) Write(buf []byte) (int, error)             { return len(buf), nil }
func (c *idleConn) GetFeatureReport(id uint8) ([]byte, error) { return []byte{id}, nil }
func (c *idleConn) SetFeatureReport(data []byte) (int, error) { return len(data), nil }
func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.quit) })
	return nil
}

// stubDriver is a scriptable dialect for actor tests.
type stubDriver struct {
	mu        sync.Mutex
	caps      devstate.Capabilities
	profiles  []devstate.Profile
	probeErr  error
	commitErr error
	commits   int
	loads     int
	committed *devstate.Device
}

func (d *stubDriver) Name() string { return "stub" }

func (d *stubDriver) Probe(ctx context.Context, io *hidio.DeviceIo) (devstate.Capabilities, error) {
	if d.probeErr != nil {
		return devstate.Capabilities{}, d.probeErr
	}
	return d.caps, nil
}

func (d *stubDriver) LoadProfiles(ctx context.Context, io *hidio.DeviceIo, caps devstate.Capabilities) ([]devstate.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads++
	out := make([]devstate.Profile, len(d.profiles))
	copy(out, d.profiles)
	return out, nil
}

func (d *stubDriver) Commit(ctx context.Context, io *hidio.DeviceIo, dev *devstate.Device, diff devstate.Diff) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits++
	if d.commitErr != nil {
		err := d.commitErr
		d.commitErr = nil
		return err
	}
	clone := dev.Clone()
	d.committed = &clone
	return nil
}

func stubCaps() devstate.Capabilities {
	return devstate.Capabilities{
		Flags:          devstate.CapProfileName | devstate.CapLedColor | devstate.CapLedBrightness | devstate.CapButtonMacro,
		NumProfiles:    2,
		NumResolutions: 3,
		NumButtons:     2,
		NumLeds:        1,
		ReportRates:    []uint32{125, 250, 500, 1000},
		DpiList:        []uint32{400, 800, 1600, 3200},
		MacroLength:    4,
		LedModes:       []devstate.LedMode{devstate.LedOff, devstate.LedSolid},
		ColorDepth:     24,
		ButtonActions:  []devstate.ActionType{devstate.ActionNone, devstate.ActionButton, devstate.ActionMacro},
	}
}

func stubProfiles(caps devstate.Capabilities) []devstate.Profile {
	profiles := make([]devstate.Profile, caps.NumProfiles)
	for p := range profiles {
		profile := devstate.Profile{Index: p, Enabled: true, Active: p == 0, ReportRate: 1000}
		dpis := []uint32{400, 800, 1600}
		for r := 0; r < caps.NumResolutions; r++ {
			profile.Resolutions = append(profile.Resolutions, devstate.Resolution{
				Index: r, DpiX: dpis[r], DpiY: dpis[r], Enabled: true,
				Active: r == 1, Default: r == 1,
			})
		}
		for b := 0; b < caps.NumButtons; b++ {
			profile.Buttons = append(profile.Buttons, devstate.Button{
				Index: b, Action: devstate.ButtonAction{Type: devstate.ActionButton, Button: uint32(b)},
			})
		}
		profile.Leds = []devstate.Led{{Index: 0, Mode: devstate.LedOff, Brightness: 255, ColorDepth: 24}}
		profiles[p] = profile
	}
	return profiles
}

func startActor(t *testing.T, drv *stubDriver) (*Actor, context.CancelFunc) {
	t.Helper()
	conn := newIdleConn()
	dio := hidio.New(zap.NewNop(), conn)
	a := New(zap.NewNop(), devstate.Device{Sysname: "hidraw7", Name: "Stub Mouse"}, drv, dio)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	require.Eventually(t, func() bool {
		return a.Phase() == PhaseReady
	}, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-a.Done()
	})
	return a, cancel
}

func newStubDriver() *stubDriver {
	caps := stubCaps()
	return &stubDriver{caps: caps, profiles: stubProfiles(caps)}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("command result never arrived")
		return nil
	}
}

func TestSetDpiScenario(t *testing.T) {
	drv := newStubDriver()
	a, _ := startActor(t, drv)
	ctx := context.Background()

	reply, err := a.Mutate(devstate.SetResolutionDpi{Profile: 0, Resolution: 2, DpiX: 3200, DpiY: 3200})
	require.NoError(t, err)
	require.NoError(t, waitErr(t, reply))

	snap := a.ReadSnapshot()
	assert.Equal(t, uint32(3200), snap.Pending.Profiles[0].Resolutions[2].DpiX)
	assert.True(t, snap.Pending.Profiles[0].Dirty)

	require.NoError(t, a.Commit(ctx))
	snap = a.ReadSnapshot()
	assert.False(t, snap.Pending.Profiles[0].Dirty)
	assert.Equal(t, uint32(3200), snap.Committed.Profiles[0].Resolutions[2].DpiX)

	drv.mu.Lock()
	defer drv.mu.Unlock()
	assert.Equal(t, uint32(3200), drv.committed.Profiles[0].Resolutions[2].DpiX)
}

func TestRejectOutOfRange(t *testing.T) {
	drv := newStubDriver()
	a, _ := startActor(t, drv)

	reply, err := a.Mutate(devstate.SetResolutionDpi{Profile: 0, Resolution: 0, DpiX: 5000, DpiY: 5000})
	require.NoError(t, err)
	assert.ErrorIs(t, waitErr(t, reply), devstate.ErrOutOfRange)

	snap := a.ReadSnapshot()
	assert.Equal(t, uint32(400), snap.Pending.Profiles[0].Resolutions[0].DpiX)
	assert.False(t, snap.Pending.Profiles[0].Dirty)
}

func TestSwitchActiveProfile(t *testing.T) {
	drv := newStubDriver()
	a, _ := startActor(t, drv)
	ctx := context.Background()

	reply, err := a.Mutate(devstate.SetActiveProfile{Profile: 1})
	require.NoError(t, err)
	require.NoError(t, waitErr(t, reply))
	require.NoError(t, a.Commit(ctx))

	snap := a.ReadSnapshot()
	assert.True(t, snap.Pending.Profiles[1].Active)
	assert.False(t, snap.Pending.Profiles[0].Active)
	assert.True(t, snap.Committed.Profiles[1].Active)
	assert.False(t, snap.Committed.Profiles[0].Active)
}

func TestPartialCommitFaultsUntilReload(t *testing.T) {
	drv := newStubDriver()
	a, _ := startActor(t, drv)
	ctx := context.Background()

	reply, err := a.Mutate(devstate.SetProfileName{Profile: 0, Name: "work"})
	require.NoError(t, err)
	require.NoError(t, waitErr(t, reply))
	reply, err = a.Mutate(devstate.SetLedColor{Profile: 0, Led: 0, Color: devstate.RGB{R: 255}})
	require.NoError(t, err)
	require.NoError(t, waitErr(t, reply))

	// name write lands, LED write fails
	drv.mu.Lock()
	drv.commitErr = &driver.PartialCommitError{
		Written: []devstate.ProfileDiff{{Index: 0, Fields: devstate.FieldName}},
		Err:     errors.New("led write failed"),
	}
	drv.mu.Unlock()

	err = a.Commit(ctx)
	var partial *driver.PartialCommitError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, PhaseFaulted, a.Phase())

	snap := a.ReadSnapshot()
	assert.True(t, snap.Pending.Profiles[0].Leds[0].Unknown)

	// mutations are rejected until reload
	reply, err = a.Mutate(devstate.SetProfileName{Profile: 0, Name: "x"})
	require.NoError(t, err)
	assert.ErrorIs(t, waitErr(t, reply), ErrFaulted)
	assert.ErrorIs(t, a.Commit(ctx), ErrFaulted)

	require.NoError(t, a.Reload(ctx))
	assert.Equal(t, PhaseReady, a.Phase())
	snap = a.ReadSnapshot()
	assert.False(t, snap.Pending.Profiles[0].Leds[0].Unknown)
	assert.False(t, snap.Pending.Profiles[0].Dirty)
}

func TestMacroScenario(t *testing.T) {
	drv := newStubDriver()
	a, _ := startActor(t, drv)

	seq := []devstate.MacroEvent{{Keycode: 30, Press: true}, {Keycode: 30, Press: false}}
	reply, err := a.Mutate(devstate.SetButtonAction{Profile: 0, Button: 1, Action: devstate.ButtonAction{
		Type: devstate.ActionMacro, Macro: seq,
	}})
	require.NoError(t, err)
	require.NoError(t, waitErr(t, reply))

	snap := a.ReadSnapshot()
	assert.Equal(t, devstate.ActionMacro, snap.Pending.Profiles[0].Buttons[1].Action.Type)
	assert.Equal(t, seq, snap.Pending.Profiles[0].Buttons[1].Action.Macro)

	tooLong := make([]devstate.MacroEvent, 5)
	reply, err = a.Mutate(devstate.SetButtonAction{Profile: 0, Button: 1, Action: devstate.ButtonAction{
		Type: devstate.ActionMacro, Macro: tooLong,
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, waitErr(t, reply), devstate.ErrMalformedMacro)
}

func TestCommandFIFO(t *testing.T) {
	drv := newStubDriver()
	a, _ := startActor(t, drv)

	var replies []<-chan error
	names := []string{"a", "b", "c", "d"}
	for _, n := range names {
		reply, err := a.Mutate(devstate.SetProfileName{Profile: 0, Name: n})
		require.NoError(t, err)
		replies = append(replies, reply)
	}
	for _, reply := range replies {
		require.NoError(t, waitErr(t, reply))
	}
	assert.Equal(t, "d", a.ReadSnapshot().Pending.Profiles[0].Name)
}

func TestRoundTripReloadEqualsCommitted(t *testing.T) {
	drv := newStubDriver()
	a, _ := startActor(t, drv)
	ctx := context.Background()

	reply, _ := a.Mutate(devstate.SetResolutionDpi{Profile: 0, Resolution: 0, DpiX: 800, DpiY: 800})
	require.NoError(t, waitErr(t, reply))
	require.NoError(t, a.Commit(ctx))

	// reload serves the driver's committed state back
	drv.mu.Lock()
	drv.profiles = drv.committed.Profiles
	drv.mu.Unlock()
	require.NoError(t, a.Reload(ctx))

	snap := a.ReadSnapshot()
	assert.Equal(t, snap.Pending, snap.Committed)
	assert.Equal(t, uint32(800), snap.Pending.Profiles[0].Resolutions[0].DpiX)
}

func TestShutdownDrainsQueue(t *testing.T) {
	drv := newStubDriver()
	conn := newIdleConn()
	dio := hidio.New(zap.NewNop(), conn)
	a := New(zap.NewNop(), devstate.Device{Sysname: "hidraw8"}, drv, dio)

	go a.Run(context.Background())
	require.Eventually(t, func() bool { return a.Phase() == PhaseReady }, time.Second, time.Millisecond)

	a.Shutdown()
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor never terminated")
	}
	assert.Equal(t, PhaseGone, a.Phase())

	_, err := a.Mutate(devstate.SetProfileName{Profile: 0, Name: "late"})
	assert.ErrorIs(t, err, ErrGone)
}

func TestProbeFailureTerminates(t *testing.T) {
	drv := newStubDriver()
	drv.probeErr = driver.ErrUnsupported
	conn := newIdleConn()
	dio := hidio.New(zap.NewNop(), conn)
	a := New(zap.NewNop(), devstate.Device{Sysname: "hidraw9"}, drv, dio)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, driver.ErrUnsupported)
	case <-time.After(time.Second):
		t.Fatal("run never returned")
	}
	assert.Equal(t, PhaseGone, a.Phase())
}

func TestQueueBackpressure(t *testing.T) {
	drv := newStubDriver()
	conn := newIdleConn()
	dio := hidio.New(zap.NewNop(), conn)
	a := New(zap.NewNop(), devstate.Device{Sysname: "hidraw10"}, drv, dio)
	// actor not running: the queue fills up and submitters see ErrBusy
	for i := 0; i < queueCapacity; i++ {
		_, err := a.Mutate(devstate.SetProfileName{Profile: 0, Name: "x"})
		require.NoError(t, err)
	}
	_, err := a.Mutate(devstate.SetProfileName{Profile: 0, Name: "x"})
	assert.ErrorIs(t, err, ErrBusy)
	dio.Close()
}
