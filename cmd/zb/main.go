// Command zb runs a command under ptrace and prints a tree-shaped
// report of every process/thread it spawned along with CPU, memory,
// and I/O usage per node.
package main

import (
	"context"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/zbprofiler/zb/internal/appconfig"
	"github.com/zbprofiler/zb/internal/cmdtree"
	"github.com/zbprofiler/zb/internal/tracer"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var opts appconfig.CLIOptions
	parser := flags.NewParser(&opts, flags.PassDoubleDash)
	parser.Usage = "[-v]... [--log PATH] [-o PATH] [--rules PATH] [--redact PATH] -- COMMAND [ARGS...]"

	if _, err := parser.ParseArgs(argv); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := appconfig.Resolve(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "zb:", err)
		return 2
	}
	defer cfg.Close()
	defer cfg.Logger.Sync() //nolint:errcheck

	cfg.Report.RootArgv0 = cfg.Command[0]

	drv := tracer.New(tracer.Options{
		Command: cfg.Command,
		Logger:  cfg.Logger,
	})

	result, err := drv.Run(context.Background())
	if err != nil {
		cfg.Logger.Error("trace run failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "zb:", err)
		return 1
	}

	cmdtree.WarnIfNoSchedstat(os.Stderr, result.SchedstatOK)

	result.Tree.Render(cfg.Output, cfg.Report)

	return result.ExitCode
}
