//go:build devhooks

package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDeviceJSON = `{
  "sysname": "testhook0",
  "name": "Hook Mouse",
  "capabilities": {
    "NumProfiles": 1,
    "NumResolutions": 1,
    "DpiList": [800],
    "ReportRates": [1000],
    "ButtonActions": [0, 1]
  },
  "profiles": [
    {
      "enabled": true,
      "active": true,
      "reportRate": 1000,
      "resolutions": [
        {"index": 0, "dpiX": 800, "dpiY": 800, "enabled": true, "active": true, "default": true}
      ]
    }
  ]
}`

func TestLoadAndResetTestDevice(t *testing.T) {
	m := NewManager(zap.NewNop())

	path, err := m.LoadTestDevice([]byte(testDeviceJSON))
	require.NoError(t, err)
	assert.Equal(t, BasePath+"/device/testhook0", path)
	assert.Len(t, m.Devices(), 1)

	dev, err := m.Device("testhook0")
	require.NoError(t, err)
	assert.Equal(t, "Hook Mouse", dev.Name())

	require.NoError(t, m.ResetTestDevice())
	assert.Empty(t, m.Devices())
}

func TestLoadTestDeviceRejectsGarbage(t *testing.T) {
	m := NewManager(zap.NewNop())
	_, err := m.LoadTestDevice([]byte("{"))
	assert.Error(t, err)
	_, err = m.LoadTestDevice([]byte(`{"profiles": []}`))
	assert.Error(t, err)
}
