// Package adapter is the bus-facing object tree: Manager, Device, Profile,
// Resolution, Button and LED objects projecting actor snapshots for reads
// and translating method calls into actor commands. The bus binding layer
// dispatches onto these objects; it never touches actors or state directly.
package adapter

import (
	"errors"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/actor"
	"github.com/rodentd/rodentd/internal/hidio"
)

// APIVersion is pinned; breaking object-tree changes bump it.
const APIVersion = 2

// BasePath is the root of the published object tree.
const BasePath = "/org/rodentd/rodentd1"

var (
	// ErrDeviceGone reports a method call on a withdrawn device.
	ErrDeviceGone = hidio.ErrDisconnected
	// ErrNotFound reports a path below the tree that does not exist.
	ErrNotFound = errors.New("no such object")
)

// Manager is the root object: tracks published devices and serves the
// entry-point properties.
type Manager struct {
	log     *zap.Logger
	devices *xsync.MapOf[string, *Device]

	testDevices *xsync.MapOf[string, func()]
}

func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		log:         log,
		devices:     xsync.NewMapOf[string, *Device](),
		testDevices: xsync.NewMapOf[string, func()](),
	}
}

// APIVersion is the published object-model version.
func (m *Manager) APIVersion() int { return APIVersion }

// Devices returns the object paths of every published device, sorted for
// stable property reads.
func (m *Manager) Devices() []string {
	var paths []string
	m.devices.Range(func(_ string, dev *Device) bool {
		paths = append(paths, dev.Path())
		return true
	})
	sort.Strings(paths)
	return paths
}

// Device resolves a sysname to its published object.
func (m *Manager) Device(sysname string) (*Device, error) {
	dev, ok := m.devices.Load(sysname)
	if !ok {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, sysname)
	}
	return dev, nil
}

// DevicePublished implements supervisor.Listener.
func (m *Manager) DevicePublished(sysname string, a *actor.Actor) {
	dev := newDevice(m.log.Named("device"), sysname, a)
	m.devices.Store(sysname, dev)
	m.log.Info("device published", zap.String("path", dev.Path()))
}

// DeviceWithdrawn implements supervisor.Listener.
func (m *Manager) DeviceWithdrawn(sysname string) {
	if dev, ok := m.devices.LoadAndDelete(sysname); ok {
		m.log.Info("device withdrawn", zap.String("path", dev.Path()))
	}
}
