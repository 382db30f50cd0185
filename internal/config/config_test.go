package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment:
  mock_trade: true
  timezone: Asia/Seoul
broker:
  mock:
    rest_url: https://mockapi.example.com
    socket_url: wss://mockapi.example.com:10000/api/dostk/websocket
    app_key: mock-key
    secret_key: mock-secret
    account_no: "12345678"
  real:
    rest_url: https://api.example.com
    socket_url: wss://api.example.com:10000/api/dostk/websocket
    app_key: real-key
    secret_key: real-secret
    account_no: "87654321"
vision:
  api_keys: "key-a, key-b"
telegram:
  bot_token: tg-token
  chat_id: "1234"
dashboard:
  port: 8080
storage:
  data_dir: /tmp/bot-data
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.Environment.MockTrade)
	assert.Equal(t, "12345678", cfg.ActiveEndpoints().AccountNo)
	assert.Equal(t, 7, cfg.Storage.RetentionDays, "default retention")
	assert.Equal(t, 30, cfg.Broker.ChartMaxPages, "default pagination bound")
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.VisionKeys())
	assert.NotNil(t, cfg.Location())
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_APP_KEY", "from-env")
	yaml := `
environment:
  mock_trade: true
broker:
  mock:
    rest_url: https://mockapi.example.com
    socket_url: wss://mockapi.example.com/ws
    app_key: ${TEST_APP_KEY}
    secret_key: s
    account_no: "1"
`
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Broker.Mock.AppKey)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\nbogus_section:\n  x: 1\n"))
	assert.Error(t, err)
}

func TestValidateMissingCredentials(t *testing.T) {
	yaml := `
environment:
  mock_trade: true
broker:
  mock:
    rest_url: https://mockapi.example.com
    socket_url: wss://mockapi.example.com/ws
    account_no: "1"
`
	_, err := Load(writeConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_key")
}

func TestActiveEndpointsByMode(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Environment.MockTrade = false
	assert.Equal(t, "87654321", cfg.ActiveEndpoints().AccountNo)
}
