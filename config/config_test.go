package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revkernel/config"
)

// userConfigDir points the per-user configuration root at a temp directory
// and returns the application's directory beneath it.
func userConfigDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", root)
	dir := filepath.Join(root, "revkernel")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	userConfigDir(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "goeval", cfg.Engine)
	assert.Empty(t, cfg.ConnectionFile)
	assert.Zero(t, cfg.PollIntervalMS)
	assert.Zero(t, cfg.PollInterval())
}

func TestLoadFromFile(t *testing.T) {
	dir := userConfigDir(t)
	content := `engine: jseval
poll_interval_ms: 200
engines:
  jseval:
    strict: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "jseval", cfg.Engine)
	assert.Equal(t, 200, cfg.PollIntervalMS)
	assert.Equal(t, 200*time.Millisecond, cfg.PollInterval())

	opts := cfg.EngineOptions("jseval")
	require.NotNil(t, opts)
	assert.Equal(t, true, opts["strict"])
	assert.Nil(t, cfg.EngineOptions("goeval"))
}

func TestConnectionFileFromEnvironment(t *testing.T) {
	userConfigDir(t)
	t.Setenv(config.ConnectionEnvVar, "/tmp/kernel-abc.yaml")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/kernel-abc.yaml", cfg.ConnectionFile)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := userConfigDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("engine: goeval\n"), 0o644))
	t.Setenv("REVKERNEL_ENGINE", "jseval")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "jseval", cfg.Engine)
}

func TestLoadRejectsNegativePollInterval(t *testing.T) {
	dir := userConfigDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("poll_interval_ms: -5\n"), 0o644))

	_, err := config.Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&config.Config{}).Validate())
	assert.NoError(t, (&config.Config{PollIntervalMS: 10}).Validate())
	assert.Error(t, (&config.Config{PollIntervalMS: -1}).Validate())
}

func TestInitScriptsDefaultLocation(t *testing.T) {
	dir := userConfigDir(t)

	var cfg config.Config
	assert.Empty(t, cfg.InitScripts(), "missing init script must yield no entries")

	script := filepath.Join(dir, "init.go")
	require.NoError(t, os.WriteFile(script, []byte("app := 1\n"), 0o644))
	assert.Equal(t, []string{script}, cfg.InitScripts())
}

func TestInitScriptsOverride(t *testing.T) {
	userConfigDir(t)
	script := filepath.Join(t.TempDir(), "custom.go")
	require.NoError(t, os.WriteFile(script, []byte("x := 2\n"), 0o644))

	cfg := config.Config{InitScript: script}
	assert.Equal(t, []string{script}, cfg.InitScripts())

	cfg.InitScript = filepath.Join(t.TempDir(), "absent.go")
	assert.Empty(t, cfg.InitScripts())
}

func TestUserDirUnderConfigRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", root)

	dir, err := config.UserDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "revkernel"), dir)
}

func TestChangeHooksReceiveFreshSnapshot(t *testing.T) {
	dir := userConfigDir(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: goeval\n"), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "goeval", cfg.Engine)

	changed := make(chan *config.Config, 8)
	cfg.AddConfigChangeHook(func(next *config.Config) { changed <- next })

	require.NoError(t, os.WriteFile(path, []byte("engine: jseval\n"), 0o644))

	select {
	case next := <-changed:
		assert.Equal(t, "jseval", next.Engine)
		assert.NotSame(t, cfg, next, "hooks must get a snapshot, not the shared struct")
	case <-time.After(10 * time.Second):
		t.Fatal("config change hook was not invoked")
	}
	// The configuration handed out by Load stays stable under reloads.
	assert.Equal(t, "goeval", cfg.Engine)
}
