// Command cowsim boots a simulated i586 machine and drives its process and
// virtual memory subsystems: it runs scripted scenarios, dumps page tables
// and the copy-on-write ledger, and stress tests concurrent forks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

var (
	configPath = flag.String("config", "", "path to a TOML machine config")
	logLevel   = flag.String("log-level", "", "log level; overrides the config file")
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[cowsim] error: %s\n", err.Error())
	os.Exit(1)
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&dumpCmd{}, "")
	subcommands.Register(&stressCmd{}, "")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		exit(err)
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
		if err := cfg.validate(); err != nil {
			exit(err)
		}
	}

	logger := newLogger(cfg.Log, os.Stderr)
	detach := attachKernelLog(logger, cfg.Log.Kernel)

	status := subcommands.Execute(context.Background(), cfg, logger)
	detach()
	os.Exit(int(status))
}
