// Package appconfig resolves the CLI surface into the fully-validated
// settings the rest of the program needs: a zap logger threaded from
// the entrypoint into every component constructor, plus the optional
// ruleset/redaction YAML files, all read and decoded once during
// startup validation rather than lazily.
package appconfig

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zbprofiler/zb/internal/cgroupmem"
	"github.com/zbprofiler/zb/internal/cmdtree"
	"github.com/zbprofiler/zb/internal/redact"
	"github.com/zbprofiler/zb/internal/ruleset"
)

// CLIOptions is the raw shape go-flags decodes the command line into.
type CLIOptions struct {
	Verbose    []bool `short:"v" description:"increase log verbosity (repeatable)"`
	LogPath    string `long:"log" value-name:"PATH" description:"additional trace-level log sink"`
	Output     string `short:"o" long:"output" value-name:"PATH" description:"write report to PATH instead of stdout"`
	RulesPath  string `long:"rules" value-name:"PATH" description:"YAML ruleset controlling per-command render detail"`
	RedactPath string `long:"redact" value-name:"PATH" description:"YAML redaction rules for argv"`

	Positional struct {
		Command []string `positional-arg-name:"command" required:"1"`
	} `positional-args:"yes"`
}

// Config is the validated, ready-to-run result of Resolve.
type Config struct {
	Command []string
	Logger  *zap.Logger
	Output  *os.File
	Report  *cmdtree.ReportOptions

	// closeOutput is non-nil when Output is a file this Config opened
	// and therefore owns closing.
	closeOutput func() error
}

// Close releases any file this Config opened (the -o/--output sink).
func (c *Config) Close() error {
	if c.closeOutput != nil {
		return c.closeOutput()
	}
	return nil
}

// Resolve validates CLI options into a runnable Config: builds the
// logger, opens the output sink, and loads the optional ruleset and
// redaction YAML files. A malformed YAML file is a fatal startup
// error (exit 2) rather than something silently ignored.
func Resolve(opts CLIOptions) (*Config, error) {
	if len(opts.Positional.Command) == 0 {
		return nil, fmt.Errorf("appconfig: no command given")
	}

	logger, err := newLogger(len(opts.Verbose), opts.LogPath)
	if err != nil {
		return nil, fmt.Errorf("appconfig: logger setup: %w", err)
	}

	cfg := &Config{
		Command: opts.Positional.Command,
		Logger:  logger,
	}

	out, closeFn, err := resolveOutput(opts.Output)
	if err != nil {
		return nil, err
	}
	cfg.Output = out
	cfg.closeOutput = closeFn

	rs := ruleset.Default()
	if opts.RulesPath != "" {
		rs, err = ruleset.Load(opts.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("appconfig: %w", err)
		}
	}

	var rd *redact.Settings
	if opts.RedactPath != "" {
		rd, err = redact.Load(opts.RedactPath)
		if err != nil {
			return nil, fmt.Errorf("appconfig: %w", err)
		}
	}

	ceiling, err := cgroupmem.Detect()
	if err != nil {
		logger.Debug("appconfig: cgroup memory ceiling detection failed", zap.Error(err))
		ceiling = cgroupmem.Ceiling{Unlimited: true}
	}

	cfg.Report = &cmdtree.ReportOptions{
		Ruleset: rs,
		Redact:  rd,
		Ceiling: ceiling,
	}

	return cfg, nil
}

func resolveOutput(path string) (*os.File, func() error, error) {
	if path == "" {
		return os.Stdout, nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("appconfig: could not create output %q: %w", path, err)
	}
	return f, f.Close, nil
}

// newLogger builds a *zap.Logger whose console level is driven by the
// repeated -v flag (0=warn,1=info,2=debug,3+=debug+trace field) and
// which optionally tees a second, always-debug core to --log PATH.
func newLogger(verbosity int, logPath string) (*zap.Logger, error) {
	level := verbosityToLevel(verbosity)

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("could not open --log file %q: %w", logPath, err)
		}
		jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.Lock(f), zapcore.DebugLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if verbosity >= 3 {
		logger = logger.With(zap.Bool("trace", true))
	}
	return logger, nil
}

func verbosityToLevel(v int) zapcore.Level {
	switch {
	case v <= 0:
		return zapcore.WarnLevel
	case v == 1:
		return zapcore.InfoLevel
	default: // 2 and the 3+ "trace" cases both log at Debug
		return zapcore.DebugLevel
	}
}
