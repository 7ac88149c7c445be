package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/inboxlab/mailrag/internal/config"
)

func TestInitCmd_WritesTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailrag.yaml")

	out := execute(t, "init", path)
	assert.Contains(t, out, "Wrote")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bm25_backend: sqlite")

	// The template must stay loadable as a real config.
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8600", cfg.Server.Addr)
}

func TestInitCmd_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: :9000\n"), 0o644))

	root := NewRootCmd()
	root.SetArgs([]string{"init", path})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	out := execute(t, "init", "--force", path)
	assert.Contains(t, out, "Wrote")
}

func TestInitCmd_TemplateParsesAsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailrag.yaml")
	execute(t, "init", path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Contains(t, raw, "search")
	assert.Contains(t, raw, "mail")
}
