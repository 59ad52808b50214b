package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
name: notes
transforms:
  - pattern: "**/*.js"
    use:
      - strip-comments
      - name: prefix
        options:
          text: "// built\n"
  - pattern: "*.txt"
    use: [uppercase]
worker:
  handshake: true
  job_timeout: 2s
`

func writeConfig(t *testing.T, dir, body string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigName), []byte(body), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, sampleConfig)

	a, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "notes", a.Name)
	assert.Equal(t, dir, a.Dir)
	require.Len(t, a.Config.Transforms, 2)
	assert.Equal(t, "**/*.js", a.Config.Transforms[0].Pattern)
	require.Len(t, a.Config.Transforms[0].Use, 2)
	assert.Equal(t, "strip-comments", a.Config.Transforms[0].Use[0])
	assert.Equal(t, []any{"uppercase"}, a.Config.Transforms[1].Use)

	assert.True(t, a.Config.Worker.Handshake)
	assert.Equal(t, 2*time.Second, a.Config.Worker.JobTimeout)
	assert.Equal(t, DefaultTimeout, a.Config.Worker.OpenTimeout)
}

func TestLoadWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	a, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), a.Name)
	assert.Empty(t, a.Config.Transforms)
	assert.False(t, a.Config.Worker.Handshake)
	assert.Zero(t, a.Config.Worker.OpenTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, sampleConfig)
	t.Setenv("PEERRUN_WORKER__JOB_TIMEOUT", "750ms")
	t.Setenv("PEERRUN_NAME", "renamed")

	a, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, a.Config.Worker.JobTimeout)
	assert.Equal(t, "renamed", a.Name)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "transforms: [")
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "name: root\n")
	nested := filepath.Join(root, "src", "lib")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	a, err := Find(nested)
	require.NoError(t, err)
	assert.Equal(t, "root", a.Name)
	assert.Equal(t, root, a.Dir)
}
