package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingOptional(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), FileName), true)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	_, err = Load(filepath.Join(t.TempDir(), FileName), false)
	assert.Error(t, err)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	yaml := `
http:
  port: 9090
  admin_token: secret
models:
  dir: /srv/models
  load_timeout: 5s
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	c, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, 9090, c.HTTP.Port)
	assert.Equal(t, "secret", c.HTTP.AdminToken)
	assert.Equal(t, "/srv/models", c.Models.Dir)
	assert.Equal(t, 5*time.Second, c.Models.LoadTimeout)
	assert.Equal(t, "debug", c.Log.Level)
	// untouched keys keep defaults
	assert.Equal(t, 128, c.Models.CacheSize)
	assert.Equal(t, int64(1<<20), c.HTTP.MaxBodyBytes)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("models:\n  cache_size: 0\n"), 0o600))
	_, err := Load(path, false)
	assert.ErrorContains(t, err, "cache_size")

	require.NoError(t, os.WriteFile(path, []byte("http: [\n"), 0o600))
	_, err = Load(path, false)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	c.Log.Level = "trace"
	assert.Error(t, c.Validate())

	c = Default()
	c.HTTP.Port = 70000
	assert.Error(t, c.Validate())

	c = Default()
	c.Models.Dir = ""
	assert.Error(t, c.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	c := Default()
	c.HTTP.Port = 8123
	c.Models.Watch = false
	require.NoError(t, Save(path, c))

	loaded, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("# nothing configured\n"), 0o600))

	c, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}
