package ruleset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultResolvesSummary(t *testing.T) {
	s := Default()
	assert.Equal(t, DetailSummary, s.Resolve("make"))
}

func TestLoadResolvesCommandRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
commands:
  make: "dl:drop"
  cc1: "dl:verbose"
defaults:
  detail: "dl:summary"
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DetailDrop, s.Resolve("make"))
	assert.Equal(t, DetailVerbose, s.Resolve("cc1"))
	assert.Equal(t, DetailSummary, s.Resolve("ld"))
}

func TestLoadRejectsUnknownDetailLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
commands:
  make: "dl:bogus"
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  detail: "dl:bogus"
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolveOnNilSettings(t *testing.T) {
	var s *Settings
	assert.Equal(t, DetailSummary, s.Resolve("anything"))
}
