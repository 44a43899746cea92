package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Aglay/Escape/kernel/mm/vmm"
	"github.com/Aglay/Escape/kernel/proc"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// scenario is a sequence of process operations read from a YAML file.
// Processes are referred to by the names that spawn and fork steps give
// them.
type scenario struct {
	Name  string `yaml:"name"`
	Steps []step `yaml:"steps"`
}

// step holds exactly one operation.
type step struct {
	Spawn *spawnStep  `yaml:"spawn"`
	Fork  *forkStep   `yaml:"fork"`
	Exec  *execStep   `yaml:"exec"`
	Write *accessStep `yaml:"write"`
	Read  *accessStep `yaml:"read"`
	Grow  *growStep   `yaml:"grow"`
	Exit  *procRef    `yaml:"exit"`
	Dump  *dumpStep   `yaml:"dump"`
}

type procRef struct {
	Proc string `yaml:"proc"`
}

type image struct {
	Text  string `yaml:"text"`
	Data  string `yaml:"data"`
	Stack uint32 `yaml:"stack"`
}

type spawnStep struct {
	As    string `yaml:"as"`
	image `yaml:",inline"`
}

type forkStep struct {
	Parent string `yaml:"parent"`
	As     string `yaml:"as"`
}

type execStep struct {
	Proc  string `yaml:"proc"`
	Name  string `yaml:"name"`
	image `yaml:",inline"`
}

// accessStep addresses memory either by segment and offset or by an absolute
// address.
type accessStep struct {
	Proc    string  `yaml:"proc"`
	Segment string  `yaml:"segment"`
	Offset  uint32  `yaml:"offset"`
	Addr    *uint32 `yaml:"addr"`

	// Value is written by write steps.
	Value string `yaml:"value"`

	// Len is the number of bytes read by read steps; it defaults to the
	// length of Expect.
	Len int `yaml:"len"`

	// Expect is compared with the bytes that a read step returns.
	Expect *string `yaml:"expect"`

	// Fault expects the access to kill the process.
	Fault bool `yaml:"expect_fault"`
}

type growStep struct {
	Proc    string `yaml:"proc"`
	Segment string `yaml:"segment"`
	Pages   uint32 `yaml:"pages"`
}

type dumpStep struct {
	Proc   string `yaml:"proc"`
	Kernel bool   `yaml:"kernel"`
	Ledger bool   `yaml:"ledger"`
}

var (
	errStepKind      = errors.New("step must contain exactly one operation")
	errFaultExpected = errors.New("expected the access to fault")
)

// loadScenario parses the scenario file at path.
func loadScenario(path string) (*scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return parseScenario(f)
}

func parseScenario(r io.Reader) (*scenario, error) {
	var sc scenario

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}

	for i := range sc.Steps {
		if _, err := sc.Steps[i].kind(); err != nil {
			return nil, fmt.Errorf("parsing scenario: step %d: %w", i+1, err)
		}
	}

	return &sc, nil
}

// kind returns the name of the step's operation.
func (s *step) kind() (string, error) {
	var (
		kind  string
		count int
	)

	for name, set := range map[string]bool{
		"spawn": s.Spawn != nil,
		"fork":  s.Fork != nil,
		"exec":  s.Exec != nil,
		"write": s.Write != nil,
		"read":  s.Read != nil,
		"grow":  s.Grow != nil,
		"exit":  s.Exit != nil,
		"dump":  s.Dump != nil,
	} {
		if set {
			kind = name
			count++
		}
	}

	if count != 1 {
		return "", errStepKind
	}
	return kind, nil
}

// runner executes scenarios against the booted machine.
type runner struct {
	pids map[string]proc.Pid
	out  io.Writer
	log  *logrus.Logger
}

func newRunner(out io.Writer, log *logrus.Logger) *runner {
	return &runner{
		pids: map[string]proc.Pid{"kernel": proc.KernelPid},
		out:  out,
		log:  log,
	}
}

func (r *runner) run(sc *scenario) error {
	for i := range sc.Steps {
		kind, _ := sc.Steps[i].kind()
		if err := r.runStep(&sc.Steps[i]); err != nil {
			return fmt.Errorf("%s: step %d (%s): %w", sc.Name, i+1, kind, err)
		}
	}

	return nil
}

func (r *runner) runStep(s *step) error {
	switch {
	case s.Spawn != nil:
		pid, err := proc.Spawn(s.Spawn.As, []byte(s.Spawn.Text), []byte(s.Spawn.Data), s.Spawn.Stack)
		if err != nil {
			return err
		}
		return r.name(s.Spawn.As, pid)
	case s.Fork != nil:
		parent, err := r.pid(s.Fork.Parent)
		if err != nil {
			return err
		}

		pid, kerr := proc.Fork(parent)
		if kerr != nil {
			return kerr
		}
		return r.name(s.Fork.As, pid)
	case s.Exec != nil:
		pid, err := r.pid(s.Exec.Proc)
		if err != nil {
			return err
		}

		if kerr := proc.Exec(pid, s.Exec.Name, []byte(s.Exec.Text), []byte(s.Exec.Data), s.Exec.Stack); kerr != nil {
			return kerr
		}
		return nil
	case s.Write != nil:
		return r.access(s.Write, true)
	case s.Read != nil:
		return r.access(s.Read, false)
	case s.Grow != nil:
		return r.grow(s.Grow)
	case s.Exit != nil:
		pid, err := r.pid(s.Exit.Proc)
		if err != nil {
			return err
		}

		if kerr := proc.Exit(pid); kerr != nil {
			return kerr
		}
		r.forget(pid)
		return nil
	default:
		return r.dump(s.Dump)
	}
}

// name binds a process name to pid.
func (r *runner) name(name string, pid proc.Pid) error {
	if name == "" {
		return fmt.Errorf("pid %d needs a name", pid)
	}
	if _, exists := r.pids[name]; exists {
		return fmt.Errorf("process name %q is already in use", name)
	}

	r.pids[name] = pid
	r.log.WithFields(logrus.Fields{"name": name, "pid": pid}).Info("process created")
	return nil
}

func (r *runner) pid(name string) (proc.Pid, error) {
	pid, exists := r.pids[name]
	if !exists {
		return 0, fmt.Errorf("unknown process %q", name)
	}
	return pid, nil
}

func (r *runner) forget(pid proc.Pid) {
	for name, other := range r.pids {
		if other == pid {
			delete(r.pids, name)
		}
	}
}

// address resolves the target of an access step.
func (r *runner) address(pid proc.Pid, a *accessStep) (uintptr, error) {
	if a.Addr != nil {
		return uintptr(*a.Addr), nil
	}

	info, err := proc.Lookup(pid)
	if err != nil {
		return 0, err
	}

	switch a.Segment {
	case "text":
		return uintptr(a.Offset), nil
	case "data":
		return info.DataStart + uintptr(a.Offset), nil
	case "stack":
		return info.StackStart + uintptr(a.Offset), nil
	default:
		return 0, fmt.Errorf("unknown segment %q", a.Segment)
	}
}

func (r *runner) access(a *accessStep, write bool) error {
	pid, err := r.pid(a.Proc)
	if err != nil {
		return err
	}

	addr, err := r.address(pid, a)
	if err != nil {
		return err
	}

	var (
		buf  []byte
		kerr error
	)
	if write {
		buf = []byte(a.Value)
		if e := proc.WriteMemory(pid, addr, buf); e != nil {
			kerr = e
		}
	} else {
		n := a.Len
		if n == 0 && a.Expect != nil {
			n = len(*a.Expect)
		}
		buf = make([]byte, n)
		if e := proc.ReadMemory(pid, addr, buf); e != nil {
			kerr = e
		}
	}

	fields := logrus.Fields{"proc": a.Proc, "addr": fmt.Sprintf("0x%x", addr), "len": len(buf)}
	switch {
	case kerr == proc.ErrSegmentationFault && a.Fault:
		r.forget(pid)
		r.log.WithFields(fields).Info("process killed as expected")
		return nil
	case kerr != nil:
		return kerr
	case a.Fault:
		return errFaultExpected
	}

	if !write && a.Expect != nil && string(buf) != *a.Expect {
		return fmt.Errorf("read %q at 0x%x; expected %q", buf, addr, *a.Expect)
	}

	r.log.WithFields(fields).Debug("access completed")
	return nil
}

func (r *runner) grow(g *growStep) error {
	pid, err := r.pid(g.Proc)
	if err != nil {
		return err
	}

	var segment vmm.Segment
	switch g.Segment {
	case "data":
		segment = vmm.SegmentData
	case "stack":
		segment = vmm.SegmentStack
	default:
		return fmt.Errorf("segment %q cannot grow", g.Segment)
	}

	if kerr := proc.Grow(pid, segment, g.Pages); kerr != nil {
		return kerr
	}
	return nil
}

func (r *runner) dump(d *dumpStep) error {
	pid, err := r.pid(d.Proc)
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "== %s (pid %d) ==\n", d.Proc, pid)
	if kerr := proc.Dump(r.out, pid, d.Kernel); kerr != nil {
		return kerr
	}

	if d.Ledger {
		vmm.DumpLedger(r.out)
	}
	return nil
}
