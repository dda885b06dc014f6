//go:build !devhooks

package adapter

import "errors"

// TestHooksEnabled reports whether the dev-hook surface is compiled in.
const TestHooksEnabled = false

var errTestHooksDisabled = errors.New("test hooks are not compiled into this build")

// LoadTestDevice is unavailable outside dev-hook builds.
func (m *Manager) LoadTestDevice(data []byte) (string, error) {
	return "", errTestHooksDisabled
}

// ResetTestDevice is unavailable outside dev-hook builds.
func (m *Manager) ResetTestDevice() error {
	return errTestHooksDisabled
}
