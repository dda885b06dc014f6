package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/actor"
	"github.com/rodentd/rodentd/internal/devicedb"
	"github.com/rodentd/rodentd/internal/devstate"
	"github.com/rodentd/rodentd/internal/driver"
	"github.com/rodentd/rodentd/internal/hidio"
	"github.com/rodentd/rodentd/internal/hotplug"
	"github.com/rodentd/rodentd/pkg/bus"
)

type idleConn struct {
	once sync.Once
	quit chan struct{}
}

func (c *idleConn) Read(buf []byte) (int, error) {
	<-c.quit
	return 0, io.EOF
}
func (c *idleConn) Write(buf []byte) (int, error)             { return len(buf), nil }
func (c *idleConn) GetFeatureReport(id uint8) ([]byte, error) { return []byte{id}, nil }
func (c *idleConn) SetFeatureReport(d []byte) (int, error)    { return len(d), nil }
func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.quit) })
	return nil
}

type stubDriver struct {
	probeErr error
}

func (d *stubDriver) Name() string { return "stub" }

func (d *stubDriver) Probe(ctx context.Context, io *hidio.DeviceIo) (devstate.Capabilities, error) {
	if d.probeErr != nil {
		return devstate.Capabilities{}, d.probeErr
	}
	return devstate.Capabilities{
		NumProfiles:    1,
		NumResolutions: 1,
		DpiList:        []uint32{800},
		ReportRates:    []uint32{1000},
		ButtonActions:  []devstate.ActionType{devstate.ActionNone},
	}, nil
}

func (d *stubDriver) LoadProfiles(ctx context.Context, io *hidio.DeviceIo, caps devstate.Capabilities) ([]devstate.Profile, error) {
	return []devstate.Profile{{
		Index: 0, Enabled: true, Active: true, ReportRate: 1000,
		Resolutions: []devstate.Resolution{{Index: 0, DpiX: 800, DpiY: 800, Enabled: true, Active: true, Default: true}},
	}}, nil
}

func (d *stubDriver) Commit(ctx context.Context, io *hidio.DeviceIo, dev *devstate.Device, diff devstate.Diff) error {
	return nil
}

type recordingListener struct {
	published chan string
	withdrawn chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		published: make(chan string, 8),
		withdrawn: make(chan string, 8),
	}
}

func (l *recordingListener) DevicePublished(sysname string, a *actor.Actor) {
	l.published <- sysname
}

func (l *recordingListener) DeviceWithdrawn(sysname string) {
	l.withdrawn <- sysname
}

const stubEntry = `
name: Stub Mouse
driver: stub
matches: [usb:1234:abcd]
`

type fixture struct {
	svc      *Service
	events   *hotplug.Bus
	listener *recordingListener
	drv      *stubDriver
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()

	dbDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dbDir, "stub.device"), []byte(stubEntry), 0o644))
	devdb, err := devicedb.Load(log, dbDir)
	require.NoError(t, err)

	badgerOpts := badger.DefaultOptions(filepath.Join(t.TempDir(), "db"))
	badgerOpts.Logger = nil
	kv, err := badger.Open(badgerOpts)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	drv := &stubDriver{}
	registry := driver.NewRegistry()
	registry.Register("stub", func(opts driver.Options) driver.Driver { return drv })

	events := bus.NewBus[string, hotplug.Event](log)
	listener := newRecordingListener()

	svc := New(log, kv, devdb, registry, events, listener, time.Now,
		WithOpenFunc(func(log *zap.Logger, path string) (*hidio.DeviceIo, error) {
			return hidio.New(log, &idleConn{quit: make(chan struct{})}), nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, events.Start(ctx))
	go svc.Start(ctx)
	<-svc.Ready()

	return &fixture{svc: svc, events: events, listener: listener, drv: drv, ctx: ctx}
}

func addEvent(sysname string) hotplug.Event {
	return hotplug.Event{
		Type:    hotplug.DeviceAdded,
		Sysname: sysname,
		Devnode: "/dev/" + sysname,
		Name:    "Stub Mouse",
		Bustype: 0x03,
		Vendor:  0x1234,
		Product: 0xabcd,
	}
}

func waitFor(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestAddPublishesAfterProbe(t *testing.T) {
	f := newFixture(t)

	f.events.Publish(f.ctx, "hidraw0", addEvent("hidraw0"))
	waitFor(t, f.listener.published, "hidraw0")

	a, ok := f.svc.Actor("hidraw0")
	require.True(t, ok)
	assert.Equal(t, actor.PhaseReady, a.Phase())

	known, err := f.svc.ListKnownDevices()
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, "hidraw0", known[0].Sysname)
	assert.Equal(t, "stub", known[0].Driver)
	assert.False(t, known[0].FirstSeenAt.IsZero())
}

func TestUnknownDeviceIgnored(t *testing.T) {
	f := newFixture(t)

	event := addEvent("hidraw1")
	event.Product = 0xffff
	f.events.Publish(f.ctx, "hidraw1", event)

	select {
	case sysname := <-f.listener.published:
		t.Fatalf("unexpected publication of %s", sysname)
	case <-time.After(100 * time.Millisecond):
	}
	_, ok := f.svc.Actor("hidraw1")
	assert.False(t, ok)
}

func TestRemoveWithdrawsDevice(t *testing.T) {
	f := newFixture(t)

	f.events.Publish(f.ctx, "hidraw0", addEvent("hidraw0"))
	waitFor(t, f.listener.published, "hidraw0")

	f.events.Publish(f.ctx, "hidraw0", hotplug.Event{Type: hotplug.DeviceRemoved, Sysname: "hidraw0"})
	waitFor(t, f.listener.withdrawn, "hidraw0")

	assert.Eventually(t, func() bool {
		_, ok := f.svc.Actor("hidraw0")
		return !ok
	}, time.Second, time.Millisecond)
}

func TestRemoveForUntrackedIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.events.Publish(f.ctx, "hidraw9", hotplug.Event{Type: hotplug.DeviceRemoved, Sysname: "hidraw9"})
	select {
	case <-f.listener.withdrawn:
		t.Fatal("unexpected withdrawal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRapidReplugDedup(t *testing.T) {
	f := newFixture(t)

	f.events.Publish(f.ctx, "hidraw0", addEvent("hidraw0"))
	waitFor(t, f.listener.published, "hidraw0")
	first, ok := f.svc.Actor("hidraw0")
	require.True(t, ok)

	// re-add before the remove: the supervisor must hold the new event
	// until the old actor reaches Gone
	f.events.Publish(f.ctx, "hidraw0", addEvent("hidraw0"))
	f.events.Publish(f.ctx, "hidraw0", hotplug.Event{Type: hotplug.DeviceRemoved, Sysname: "hidraw0"})

	waitFor(t, f.listener.withdrawn, "hidraw0")
	waitFor(t, f.listener.published, "hidraw0")

	assert.Eventually(t, func() bool {
		second, ok := f.svc.Actor("hidraw0")
		return ok && second != first && second.Phase() == actor.PhaseReady
	}, 2*time.Second, time.Millisecond)
}

func TestProbeFailureNeverPublishes(t *testing.T) {
	f := newFixture(t)
	f.drv.probeErr = driver.ErrUnsupported

	f.events.Publish(f.ctx, "hidraw0", addEvent("hidraw0"))

	select {
	case <-f.listener.published:
		t.Fatal("device with failing probe must not be published")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Eventually(t, func() bool {
		_, ok := f.svc.Actor("hidraw0")
		return !ok
	}, time.Second, time.Millisecond)
}
