package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/tsawler/go-finetune/config"
)

// ExitError is an error carrying the process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// parse processes command-line arguments. It returns the finalized
// configuration, whether the program should exit cleanly, or an ExitError.
func parse(args []string, output io.Writer) (*config.Config, bool, error) {
	flagSet := flag.NewFlagSet("finetune", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
finetune - resumable multi-process diffusion fine-tuning orchestrator.

Usage:
  finetune [options] [CONFIG_PATH]

Arguments:
  CONFIG_PATH
    Path to a .yaml, .yml or .hcl configuration file.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the configuration file.")
	cFlag := flagSet.String("c", "", "Path to the configuration file (shorthand).")
	logLevelFlag := flagSet.String("log-level", "", "Logging level: 'debug', 'info', 'warn' or 'error'.")
	logFormatFlag := flagSet.String("log-format", "", "Log output format: 'text' or 'json'.")
	localFlag := flagSet.Int("local-procs", 0, "Run this many processes inside this binary.")
	rankFlag := flagSet.Int("rank", -1, "Rank of this process.")
	worldFlag := flagSet.Int("world-size", 0, "Number of cooperating processes.")
	addrFlag := flagSet.String("coordinator-addr", "", "Rendezvous address, hosted by rank 0.")
	resumeFlag := flagSet.String("resume", "", "Checkpoint record or epoch directory to resume from.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	switch {
	case *configFlag != "":
		path = *configFlag
	case *cFlag != "":
		path = *cFlag
	case flagSet.NArg() > 0:
		path = flagSet.Arg(0)
	}
	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	cfg, err := config.Load(path, func(c *config.Config) {
		if *logLevelFlag != "" {
			c.Logging.Level = strings.ToLower(*logLevelFlag)
		}
		if *logFormatFlag != "" {
			c.Logging.Format = strings.ToLower(*logFormatFlag)
		}
		if *localFlag > 0 {
			c.Distributed.LocalProcesses = *localFlag
		}
		if *rankFlag >= 0 {
			c.Distributed.Rank = *rankFlag
		}
		if *worldFlag > 0 {
			c.Distributed.WorldSize = *worldFlag
		}
		if *addrFlag != "" {
			c.Distributed.CoordinatorAddr = *addrFlag
		}
		if *resumeFlag != "" {
			c.Checkpoint.Resume = *resumeFlag
		}
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return cfg, false, nil
}
