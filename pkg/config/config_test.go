package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/naxie/pkg/redisstream"
)

func TestLoadValidConfig(t *testing.T) {
	t.Setenv("NAXIE_TEST_KEY", "secret-key")
	path := filepath.Join(t.TempDir(), "naxie.yaml")
	content := `
websocket:
  base_url: "wss://chat.example.com/api"
  endpoint: "dashboard/chat"
  handshake_timeout: "3s"
  strict_eof: true
  headers:
    X-Tenant: acme
api:
  api_key: "${NAXIE_TEST_KEY}"
custom_data:
  user_id: 42
  channel: widget
default_open: true
default_model: mistral
logging:
  level: debug
capture:
  enabled: true
  path: ./frames.db
mirror:
  enabled: true
  backend: redis
  redis_addr: "localhost:6379"
  stream: naxie.events
metrics:
  addr: "127.0.0.1:9090"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "wss://chat.example.com/api", cfg.Websocket.BaseURL)
	require.Equal(t, "dashboard/chat", cfg.Websocket.Endpoint)
	require.Equal(t, 3*time.Second, cfg.Websocket.HandshakeTimeout)
	require.True(t, cfg.Websocket.StrictEOF)
	require.Equal(t, "acme", cfg.HTTPHeader().Get("X-Tenant"))
	require.Equal(t, "secret-key", cfg.API.APIKey)
	require.Equal(t, "https://chat.example.com/api", cfg.APIBaseURL())
	require.Equal(t, 42, cfg.CustomData["user_id"])
	require.True(t, cfg.DefaultOpen)
	require.Equal(t, "mistral", cfg.DefaultModel)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Capture.Enabled)
	require.True(t, cfg.Mirror.UsesRedis())
	require.Equal(t, "naxie.events", cfg.Mirror.Stream)
	require.True(t, cfg.HasWebsocket())
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("websocket:\n  endpoint: ws://localhost:8080/chat\n"))
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.Websocket.HandshakeTimeout)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, redisstream.BackendMemory, cfg.Mirror.Backend)
	require.Nil(t, cfg.HTTPHeader())
	require.Equal(t, "", cfg.APIBaseURL())
}

func TestAPIBaseURLFallback(t *testing.T) {
	cases := map[string]string{
		"ws://localhost:8000":  "http://localhost:8000",
		"wss://example.com/ws": "https://example.com/ws",
		"https://already.http": "https://already.http",
	}
	for ws, want := range cases {
		cfg := Default()
		cfg.Websocket.BaseURL = ws
		require.Equal(t, want, cfg.APIBaseURL(), ws)
	}

	cfg := Default()
	cfg.Websocket.BaseURL = "ws://a"
	cfg.API.BaseURL = "http://b"
	require.Equal(t, "http://b", cfg.APIBaseURL())
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"bad level":       "logging:\n  level: loud\n",
		"bad backend":     "mirror:\n  backend: kafka\n",
		"capture no path": "capture:\n  enabled: true\n  path: \"\"\n",
		"redis no addr":   "mirror:\n  enabled: true\n  backend: redis\n  redis_addr: \"\"\n",
		"bad duration":    "websocket:\n  handshake_timeout: soon\n",
		"bad yaml":        "websocket: [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			require.Error(t, err)
		})
	}
}

func TestExpandEnvVarsUnsetIsEmpty(t *testing.T) {
	require.Equal(t, "key=", expandEnvVars("key=${NAXIE_SURELY_UNSET_VAR}"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
