package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultReadsEnvironment(t *testing.T) {
	t.Setenv("WS_URL", "ws://example.test/ws")
	t.Setenv("WS_LISTEN", " alice, ,project group ")
	t.Setenv("DEVICE_ID", "wxrpa-009")

	cfg := Default()
	assert.Equal(t, "ws://example.test/ws", cfg.Connection.URL)
	assert.Equal(t, []string{"alice", "project group"}, cfg.Listens)
	assert.Equal(t, "wxrpa-009", cfg.Connection.DeviceID)
	assert.Equal(t, "query", cfg.Connection.DeviceIDIn)
	assert.Equal(t, 20*time.Second, cfg.Connection.PingInterval())
	assert.Equal(t, 5*time.Second, cfg.Connection.ReconnectInterval())
}

func TestLoadJSONWithComments(t *testing.T) {
	path := writeFile(t, "bridge.jsonc", `{
		// remote endpoint
		"connection": {
			"url": "wss://example.test/ws",
			"device_id_in": "header",
			"reconnect_interval_seconds": 0,
		},
		"listens": ["alice"],
		"commands": {"default_timeout_ms": 8000},
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/ws", cfg.Connection.URL)
	assert.Equal(t, "header", cfg.Connection.DeviceIDIn)
	assert.Equal(t, 5, cfg.Connection.ReconnectIntervalSeconds)
	assert.Equal(t, []string{"alice"}, cfg.Listens)
	assert.Equal(t, 8*time.Second, cfg.Commands.DefaultTimeout())
	assert.Equal(t, 4096, cfg.Cache.MaxEntries)
	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyFieldsFallBackToEnvironment(t *testing.T) {
	t.Setenv("WS_URL", "ws://env.test/ws")
	t.Setenv("DEVICE_ID", "wxrpa-env")
	t.Setenv("REDIS_ADDR", "redis.test:6379")
	path := writeFile(t, "bridge.jsonc", `{
		"connection": {"url": "", "device_id": ""},
		"store": {"redis_addr": ""},
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://env.test/ws", cfg.Connection.URL)
	assert.Equal(t, "wxrpa-env", cfg.Connection.DeviceID)
	assert.Equal(t, "redis.test:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 10*time.Minute, cfg.Commands.ClaimTTL())
	require.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "bridge.yaml", `
connection:
  url: ws://127.0.0.1:8080/ws
  device_id: wxrpa-001
cache:
  max_entries: 16
  ttl_seconds: 60
store:
  redis_addr: 127.0.0.1:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wxrpa-001", cfg.Connection.DeviceID)
	assert.Equal(t, 16, cfg.Cache.MaxEntries)
	assert.Equal(t, time.Minute, cfg.Cache.TTL())
	assert.Equal(t, "127.0.0.1:6379", cfg.Store.RedisAddr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.json", `{"connection": `))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Connection.URL = ""
	assert.Error(t, cfg.Validate())

	cfg.Connection.URL = "http://example.test"
	assert.Error(t, cfg.Validate())

	cfg.Connection.URL = "ws://example.test"
	cfg.Connection.DeviceIDIn = "cookie"
	assert.Error(t, cfg.Validate())

	cfg.Connection.DeviceIDIn = "none"
	assert.NoError(t, cfg.Validate())
}
