//go:build devhooks

package adapter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rodentd/rodentd/internal/testdev"
)

// TestHooksEnabled reports whether the dev-hook surface is compiled in.
const TestHooksEnabled = true

var testDeviceCounter int

// LoadTestDevice synthesises a device from a JSON definition and publishes
// it like a hotplugged one. Dev-hook builds only.
func (m *Manager) LoadTestDevice(data []byte) (string, error) {
	def, err := testdev.Parse(data)
	if err != nil {
		return "", err
	}
	if def.Sysname == "" {
		testDeviceCounter++
		def.Sysname = fmt.Sprintf("test%d", testDeviceCounter)
	}

	a, _, cancel := testdev.Spawn(context.Background(), m.log.Named("testdev"), def)
	select {
	case <-a.Ready():
	case <-a.Done():
		cancel()
		return "", fmt.Errorf("test device %s failed to start", def.Sysname)
	}

	m.testDevices.Store(def.Sysname, cancel)
	m.DevicePublished(def.Sysname, a)
	m.log.Info("test device loaded", zap.String("sysname", def.Sysname))

	dev, err := m.Device(def.Sysname)
	if err != nil {
		return "", err
	}
	return dev.Path(), nil
}

// ResetTestDevice withdraws every synthetic device.
func (m *Manager) ResetTestDevice() error {
	m.testDevices.Range(func(sysname string, cancel func()) bool {
		cancel()
		m.DeviceWithdrawn(sysname)
		m.testDevices.Delete(sysname)
		return true
	})
	return nil
}
