package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "actor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidManifest(t *testing.T) {
	path := writeManifest(t, `
component: ./echo.wasm
save_chain: true
handler:
  - type: log
    config:
      level: debug
`)
	m, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "./echo.wasm", m.Component)
	require.True(t, m.SaveChain)
	require.Len(t, m.Handlers, 1)
	require.Equal(t, "log", m.Handlers[0].Type)
	require.False(t, m.IsReplay())
}

func TestLoadMissingComponentFails(t *testing.T) {
	path := writeManifest(t, `
handler: []
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDuplicateHandlerFails(t *testing.T) {
	path := writeManifest(t, `
component: ./echo.wasm
handler:
  - type: log
  - type: log
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestReplayManifestIsDetected(t *testing.T) {
	path := writeManifest(t, `
component: ./echo.wasm
replay: ./echo.chain.json
`)
	m, err := Load(path)
	require.NoError(t, err)
	require.True(t, m.IsReplay())
}
