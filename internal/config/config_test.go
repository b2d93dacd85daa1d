package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("DSTORE_CONFIG", "")
	f, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", f.Server.Listen)
	require.Equal(t, 1, f.Server.Threads)
	require.Equal(t, 1<<30, f.Server.BufferSize)
	require.Empty(t, f.Client.Servers)
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":7000"
  threads: 4
  buffer_size: 4096
client:
  servers: ["a:1", "b:2"]
`), 0o600))
	t.Setenv("DSTORE_CONFIG", path)
	t.Setenv("DSTORE_THREADS", "8")
	t.Setenv("DSTORE_DEBUG", "true")
	t.Setenv("DSTORE_ADMIN_TOKEN", "s3cret")

	f, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":7000", f.Server.Listen)
	require.Equal(t, 8, f.Server.Threads)
	require.Equal(t, 4096, f.Server.BufferSize)
	require.True(t, f.Server.Debug)
	require.Equal(t, "s3cret", f.Server.AdminToken)
	require.Equal(t, []string{"a:1", "b:2"}, f.Client.Servers)
	require.Equal(t, []int{0, 1}, f.Client.ProviderIDs)
}

func TestClientProviderIDs(t *testing.T) {
	t.Setenv("DSTORE_CONFIG", "")
	t.Setenv("DSTORE_SERVERS", "h1:9090, h2:9090")
	t.Setenv("DSTORE_PROVIDER_IDS", "5,7")
	c, err := LoadClient()
	require.NoError(t, err)
	require.Equal(t, []string{"h1:9090", "h2:9090"}, c.Servers)
	require.Equal(t, []int{5, 7}, c.ProviderIDs)

	t.Setenv("DSTORE_PROVIDER_IDS", "5")
	_, err = LoadClient()
	require.Error(t, err)

	t.Setenv("DSTORE_PROVIDER_IDS", "5,x")
	_, err = LoadClient()
	require.Error(t, err)
}

func TestInvalidServer(t *testing.T) {
	t.Setenv("DSTORE_CONFIG", "")
	t.Setenv("DSTORE_THREADS", "0")
	_, err := LoadServer()
	require.Error(t, err)
}
