package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/var/tmp/state")
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "bluez", cfg.Transport)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, 3000, cfg.ReconnectDelayMs)
	assert.True(t, cfg.ResyncOnConnect)
	assert.Equal(t, "/var/tmp/state/clockctl/state.db", cfg.StateDB)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
transport: serial
address: /dev/ttyACM0
serial:
  baud: 115200
reconnect_delay_ms: 500
resync_on_connect: false
log_level: debug
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "serial", cfg.Transport)
	assert.Equal(t, 115200, cfg.Serial.Baud)
	assert.Equal(t, "/dev/rfcomm0", cfg.Serial.Port)
	assert.False(t, cfg.ResyncOnConnect)

	lc := cfg.linkConfig("")
	assert.Equal(t, "/dev/ttyACM0", lc.Address)
	assert.Equal(t, 500*time.Millisecond, lc.ReconnectDelay)
	assert.Equal(t, defaultCharacteristic, lc.Characteristic.String())

	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.linkConfig("AA:BB:CC:DD:EE:FF").Address)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"transport":      "transport: usb\n",
		"service":        "service: not-a-uuid\n",
		"characteristic": "characteristic: ffe1\n",
		"delay":          "reconnect_delay_ms: -1\n",
		"log level":      "log_level: loud\n",
		"syntax":         "transport: [bluez\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
