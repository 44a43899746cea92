package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/Aglay/Escape/kernel/kmain"
	"github.com/Aglay/Escape/kernel/mm"
	"github.com/Aglay/Escape/kernel/mm/kheap"
	"github.com/Aglay/Escape/kernel/mm/vmm"
	"github.com/Aglay/Escape/kernel/proc"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// stdout is replaced by tests.
var stdout io.Writer = os.Stdout

// boot brings up a machine for a single command.
func boot(cfg *config) (*kmain.Machine, error) {
	m, err := kmain.Kmain(cfg.kmainConfig())
	if err != nil {
		return nil, fmt.Errorf("booting machine: %w", err)
	}
	return m, nil
}

// commandArgs extracts the values passed to subcommands.Execute.
func commandArgs(args []interface{}) (*config, *logrus.Logger) {
	return args[0].(*config), args[1].(*logrus.Logger)
}

// runScenarioFile boots a machine, executes the scenario at path and calls
// after before shutting the machine down.
func runScenarioFile(cfg *config, logger *logrus.Logger, path string, after func(*runner) error) error {
	sc, err := loadScenario(path)
	if err != nil {
		return err
	}

	m, err := boot(cfg)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	r := newRunner(stdout, logger)
	if err := r.run(sc); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"scenario":    sc.Name,
		"steps":       len(sc.Steps),
		"free_frames": mm.FreeFrameCount(),
		"free_heap":   kheap.FreeBytes(),
	}).Info("scenario completed")

	if after != nil {
		return after(r)
	}
	return nil
}

// printProcessTable writes the process table to w.
func printProcessTable(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPPID\tNAME\tTEXT\tDATA\tSTACK\tDIR")
	for _, p := range proc.List() {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%d\t0x%x\n",
			p.Pid, p.Parent, p.Name, p.TextPages, p.DataPages, p.StackPages, uintptr(p.Directory))
	}
	_ = tw.Flush()
}

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	table bool
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "run a scenario against a fresh machine"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return "run [flags] <scenario.yaml>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.table, "table", true, "print the process table once the scenario completes")
}

// Execute implements subcommands.Command.Execute.
func (c *runCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, logger := commandArgs(args)
	err := runScenarioFile(cfg, logger, f.Arg(0), func(*runner) error {
		if c.table {
			printProcessTable(stdout)
		}
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("run failed")
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// dumpCmd implements subcommands.Command for the "dump" command.
type dumpCmd struct {
	kernel bool
}

// Name implements subcommands.Command.Name.
func (*dumpCmd) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*dumpCmd) Synopsis() string {
	return "run a scenario and dump the page tables and the copy-on-write ledger"
}

// Usage implements subcommands.Command.Usage.
func (*dumpCmd) Usage() string {
	return "dump [flags] <scenario.yaml>\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *dumpCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.kernel, "kernel", false, "include the kernel area in directory dumps")
}

// Execute implements subcommands.Command.Execute.
func (c *dumpCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, logger := commandArgs(args)
	err := runScenarioFile(cfg, logger, f.Arg(0), func(*runner) error {
		printProcessTable(stdout)
		for _, p := range proc.List() {
			fmt.Fprintf(stdout, "\n== %s (pid %d) ==\n", p.Name, p.Pid)
			if err := proc.Dump(stdout, p.Pid, c.kernel); err != nil {
				return err
			}
		}

		fmt.Fprintln(stdout)
		vmm.DumpLedger(stdout)
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("dump failed")
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// stressCmd implements subcommands.Command for the "stress" command.
type stressCmd struct {
	opts stressOptions
}

// Name implements subcommands.Command.Name.
func (*stressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stressCmd) Synopsis() string {
	return "fork, write and exit from concurrent workers and check that no memory leaks"
}

// Usage implements subcommands.Command.Usage.
func (*stressCmd) Usage() string {
	return "stress [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *stressCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.opts.workers, "workers", 4, "number of concurrent workers")
	f.IntVar(&c.opts.iterations, "iterations", 16, "fork/write/exit cycles per worker")
	f.UintVar(&c.opts.dataPages, "data", 2, "data pages of the parent process")
	f.UintVar(&c.opts.stackPages, "stack", 1, "stack pages of the parent process")
}

// Execute implements subcommands.Command.Execute.
func (c *stressCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, logger := commandArgs(args)
	m, err := boot(cfg)
	if err != nil {
		logger.WithError(err).Error("stress failed")
		return subcommands.ExitFailure
	}
	defer m.Shutdown()

	stats, err := stress(ctx, c.opts)
	if err != nil {
		logger.WithError(err).Error("stress failed")
		return subcommands.ExitFailure
	}

	logger.WithFields(logrus.Fields{
		"forks":    stats.forks,
		"writes":   stats.writes,
		"duration": stats.duration,
	}).Info("stress completed")
	return subcommands.ExitSuccess
}
