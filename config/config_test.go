package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
name: alice
listen: 127.0.0.1:7070
peers:
  - 127.0.0.1:7071
  - 127.0.0.1:7072
cacheMaxSize: 1048576
keepVersions: 3
`))
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Name)
	assert.Equal(t, []string{"127.0.0.1:7071", "127.0.0.1:7072"}, c.Peers)
	assert.EqualValues(t, 1<<20, c.CacheMaxSize)
	assert.Equal(t, 3, c.KeepVersions)
	assert.Equal(t, DefaultQueue, c.Queue)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, DefaultMapTimeout, c.MapTimeout)
	assert.Empty(t, c.StoreDir)
}

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verso.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: render\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "render", c.Queue)
	assert.EqualValues(t, DefaultCacheMaxSize, c.CacheMaxSize)
	assert.Equal(t, DefaultKeepVersions, c.KeepVersions)
	assert.NotEmpty(t, c.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = Parse([]byte("peers: {not: a list}"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	c := &Config{Name: "bob", CacheMaxAge: time.Minute}
	c.SetDefaults()
	data, err := c.Marshal()
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, c, back)
}
