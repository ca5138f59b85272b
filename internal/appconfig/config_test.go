package appconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, verbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, verbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, verbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, verbosityToLevel(5))
}

func TestResolve_RequiresCommand(t *testing.T) {
	_, err := Resolve(CLIOptions{})
	assert.Error(t, err)
}

func TestResolve_DefaultsToStdoutAndDefaultRuleset(t *testing.T) {
	var opts CLIOptions
	opts.Positional.Command = []string{"/bin/true"}

	cfg, err := Resolve(opts)
	require.NoError(t, err)
	defer cfg.Close()

	assert.Equal(t, os.Stdout, cfg.Output)
	assert.NotNil(t, cfg.Report.Ruleset)
	assert.Nil(t, cfg.Report.Redact)
	require.NoError(t, cfg.Close())
}

func TestResolve_OutputFlagOpensFile(t *testing.T) {
	var opts CLIOptions
	opts.Positional.Command = []string{"/bin/true"}
	opts.Output = filepath.Join(t.TempDir(), "report.txt")

	cfg, err := Resolve(opts)
	require.NoError(t, err)
	assert.NotEqual(t, os.Stdout, cfg.Output)
	require.NoError(t, cfg.Close())

	_, statErr := os.Stat(opts.Output)
	assert.NoError(t, statErr)
}

func TestResolve_RejectsMalformedRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	var opts CLIOptions
	opts.Positional.Command = []string{"/bin/true"}
	opts.RulesPath = path

	_, err := Resolve(opts)
	assert.Error(t, err)
}
