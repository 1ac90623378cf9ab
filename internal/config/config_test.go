package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvpn.mini/dvr/internal/logger"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), c)

	c, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "registry.db", c.DataFile)
	assert.Equal(t, uint32(5000), c.TTLThreshold)
	assert.Equal(t, uint32(5000), c.TTLExtendTo)
}

func TestLoadConfigMergesFileWithDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
data_file: /var/lib/dvr/registry.db
http_listen: 127.0.0.1:9000
manage_tendermint: true
log_format: json
backup_every: 10
`)
	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/dvr/registry.db", c.DataFile)
	assert.Equal(t, "127.0.0.1:9000", c.HTTPListen)
	assert.True(t, c.ManageTendermint)
	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, int64(10), c.BackupEvery)
	// untouched keys keep defaults
	assert.Equal(t, "dvr_key.pem", c.KeyFile)
	assert.Equal(t, "unix://dvr.sock", c.ABCISocket)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", "data_file: [unterminated\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "http_listen: :7000\n")
	t.Setenv("DVR_HTTP_LISTEN", ":7100")
	t.Setenv("DVR_TTL_EXTEND_TO", "9000")
	t.Setenv("DVR_MANAGE_TENDERMINT", "true")

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7100", c.HTTPListen)
	assert.Equal(t, uint32(9000), c.TTLExtendTo)
	assert.True(t, c.ManageTendermint)
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("DVR_MAX_BACKUPS", "lots")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Defaults()
	require.NoError(t, c.Validate())

	c.LogFormat = "xml"
	assert.Error(t, c.Validate())

	c = Defaults()
	c.ABCISocket = "dvr.sock"
	assert.Error(t, c.Validate())

	c = Defaults()
	c.LogLevel = "loud"
	assert.Error(t, c.Validate())
}

func TestValidateNormalizesLogSettings(t *testing.T) {
	c := Defaults()
	c.LogFormat = "JSON"
	c.LogLevel = "WARN"
	require.NoError(t, c.Validate())
	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, "warn", c.LogLevel)

	_, err := logger.NewLogrus(c.LogLevel, c.LogFormat, io.Discard)
	assert.NoError(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))

	path := writeFile(t, ".env", "DVR_LOG_LEVEL=debug\n")
	t.Setenv("DVR_LOG_LEVEL", "")
	os.Unsetenv("DVR_LOG_LEVEL")
	require.NoError(t, LoadDotEnv(path))

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestResolvePath(t *testing.T) {
	t.Setenv("DVR_CONFIG_FILE", "/etc/dvr/config.yaml")
	assert.Equal(t, "/tmp/x.yaml", ResolvePath("/tmp/x.yaml"))
	assert.Equal(t, "/etc/dvr/config.yaml", ResolvePath(""))
}
