package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/hlsserve/internal/config"
)

func envMap(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

// unsetEnv clears key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestBuildConfig_Defaults(t *testing.T) {
	root := newRootCommand()
	require.NoError(t, root.ParseFlags(nil))

	cfg, err := buildConfig(root.Flags(), envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultAddress, *cfg.Server.Address)
	assert.Equal(t, config.DefaultBaseDirectory, cfg.HLS.BaseDirectory)
	assert.Equal(t, config.DefaultRoutePrefix, cfg.HLS.RoutePrefix)
}

func TestBuildConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hlsserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: "127.0.0.1:7000"
hls:
  base_directory: /from/file
  route_prefix: /live
logging:
  log_level: ERROR
`), 0o644))

	root := newRootCommand()
	require.NoError(t, root.ParseFlags([]string{"--config", path, "--log-level", "debug"}))

	cfg, err := buildConfig(root.Flags(), envMap(map[string]string{
		config.EnvBaseDir:  "/from/env",
		config.EnvLogLevel: "warning",
	}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", *cfg.Server.Address, "file beats defaults")
	assert.Equal(t, "/from/env", cfg.HLS.BaseDirectory, "env beats file")
	assert.Equal(t, config.LogLevelDebug, cfg.Logging.LogLevel, "flag beats env")
	assert.Equal(t, "/live", cfg.HLS.RoutePrefix)
}

func TestBuildConfig_FlagsOverrideEnv(t *testing.T) {
	root := newRootCommand()
	require.NoError(t, root.ParseFlags([]string{"--address", "127.0.0.1:9001", "--base-dir", "/from/flag"}))

	cfg, err := buildConfig(root.Flags(), envMap(map[string]string{
		config.EnvAddress: "127.0.0.1:9002",
		config.EnvBaseDir: "/from/env",
	}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", *cfg.Server.Address)
	assert.Equal(t, "/from/flag", cfg.HLS.BaseDirectory)
}

func TestBuildConfig_Errors(t *testing.T) {
	root := newRootCommand()
	require.NoError(t, root.ParseFlags([]string{"--log-level", "verbose"}))
	_, err := buildConfig(root.Flags(), envMap(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")

	root = newRootCommand()
	require.NoError(t, root.ParseFlags([]string{"--address", "no-port"}))
	_, err = buildConfig(root.Flags(), envMap(nil))
	require.Error(t, err)

	root = newRootCommand()
	require.NoError(t, root.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}))
	_, err = buildConfig(root.Flags(), envMap(nil))
	require.Error(t, err)
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadEnvFile(t *testing.T) {
	unsetEnv(t, config.EnvBaseDir)
	t.Setenv(config.EnvAddress, "127.0.0.1:1234")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		config.EnvBaseDir+"=/from/dotenv\n"+config.EnvAddress+"=127.0.0.1:5678\n"), 0o644))

	require.NoError(t, loadEnvFile(path, true))
	assert.Equal(t, "/from/dotenv", os.Getenv(config.EnvBaseDir))
	assert.Equal(t, "127.0.0.1:1234", os.Getenv(config.EnvAddress), "process environment wins")

	missing := filepath.Join(t.TempDir(), ".env")
	assert.NoError(t, loadEnvFile(missing, false))
	assert.Error(t, loadEnvFile(missing, true))
	assert.NoError(t, loadEnvFile("", true))
}

func TestConfigCommand(t *testing.T) {
	unsetEnv(t, config.EnvAddress)
	unsetEnv(t, config.EnvBaseDir)
	unsetEnv(t, config.EnvLogLevel)

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--format", "json", "--env-file", "", "--base-dir", "/srv/hls"})
	require.NoError(t, root.Execute())

	var printed config.Config
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	require.NotNil(t, printed.HLS)
	assert.Equal(t, "/srv/hls", printed.HLS.BaseDirectory)
	require.NotNil(t, printed.Server)
	assert.Equal(t, config.DefaultAddress, *printed.Server.Address)
}

func TestConfigCommand_BadFormat(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"config", "--format", "xml", "--env-file", ""})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")
}
