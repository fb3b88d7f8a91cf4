// Package trace implements TraceDriver (spec.md §4.8): the top-level loop
// that installs one breakpoint per discovered function, drives the engine's
// wait/classify/resume cycle, and emits the depth-indented call/return
// trace on stdout. Grounded on the teacher's Tracer.WaitForEvent (the
// continue-wait-classify-dispatch shape) and Tracer.GetBacktrace's
// [rbp]/[rbp+8] frame-walk, restated here for the driver's own caller-frame
// lookup on DWARF-discovered (prologue_end) entries.
package trace

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/aeyk/fntrace"
	"github.com/aeyk/fntrace/arch"
	"github.com/aeyk/fntrace/engine"
	"github.com/aeyk/fntrace/format"
)

// Tracee is the capability set the driver needs beyond what the engine
// already requires of it: a register snapshot, for rendering arguments and
// return values (spec.md §4.7).
type Tracee interface {
	engine.Tracee
	Registers() (*unix.PtraceRegs, error)
}

// TraceDriver is the stateful loop described in spec.md §4.8. A function
// goes into exactly one of entryMap/prologueMap: prologueMap if its
// PrologueEndAddr is set, entryMap otherwise.
type TraceDriver struct {
	engine        *engine.Engine
	tracee        Tracee
	out           io.Writer
	logger        *logrus.Logger
	backtraceHook func(pc uintptr)

	depth    int
	exitCode int

	entryMap    map[uintptr]fntrace.Function
	prologueMap map[uintptr]fntrace.Function

	// returnBreakpoints tracks addresses where a return breakpoint has
	// already been installed (it stays armed for the rest of the run), so
	// a second nested call returning to the same address (recursion)
	// doesn't try to install it twice.
	returnBreakpoints map[uintptr]bool
}

// New builds a TraceDriver over functions (already relocated and filtered
// by the caller's keep-predicate) and installs one breakpoint per function
// at its chosen entry address (spec.md §4.8, "After discovery/relocation,
// for every function install a breakpoint at its chosen entry address").
func New(eng *engine.Engine, tracee Tracee, functions []fntrace.Function, out io.Writer, logger *logrus.Logger) (*TraceDriver, error) {
	d := &TraceDriver{
		engine:            eng,
		tracee:            tracee,
		out:               out,
		logger:            logger,
		entryMap:          make(map[uintptr]fntrace.Function),
		prologueMap:       make(map[uintptr]fntrace.Function),
		returnBreakpoints: make(map[uintptr]bool),
	}

	for _, f := range functions {
		addr := f.EntryAddress()
		if f.HasPrologueEnd() {
			d.prologueMap[addr] = f
		} else {
			d.entryMap[addr] = f
		}

		if err := eng.SetBreakpoint(addr); err != nil {
			return nil, fntrace.Error(err)
		}
	}

	return d, nil
}

// SetBacktraceHook installs an optional callback invoked at every call-site
// breakpoint hit with the current PC, used by cmd/fntrace to drive the
// opt-in --backtrace/--show-globals diagnostics without this package
// depending on the backtrace package directly.
func (d *TraceDriver) SetBacktraceHook(hook func(pc uintptr)) {
	d.backtraceHook = hook
}

// Run continues the tracee and loops on events until the tracee exits or a
// Stopped event (a stop that is not a breakpoint hit) terminates the run;
// Unknown events are ignored (spec.md §4.8).
func (d *TraceDriver) Run() error {
	if err := d.engine.Continue(); err != nil {
		return fntrace.Error(err)
	}

	for {
		event, err := d.engine.Wait()
		if err != nil {
			return fntrace.Error(err)
		}

		terminate, err := d.dispatch(event)
		if err != nil {
			return fntrace.Error(err)
		}
		if terminate {
			return nil
		}

		if err := d.engine.Resume(); err != nil {
			return fntrace.Error(err)
		}
	}
}

// ExitCode returns the tracee's exit status, valid once Run has returned
// after observing an Exited event (spec.md §6 "Exit code matches the
// tracee's exit code").
func (d *TraceDriver) ExitCode() int {
	return d.exitCode
}

func (d *TraceDriver) dispatch(event engine.Event) (terminate bool, err error) {
	switch event.Kind {
	case engine.Exited:
		d.exitCode = event.ExitCode
		return true, nil

	case engine.Stopped:
		d.logger.Warn("trace: process stopped on an unclassifiable signal")
		return true, nil

	case engine.BreakpointHit:
		return false, d.handleBreakpoint(event.Addr)

	default:
		return false, nil
	}
}

func (d *TraceDriver) handleBreakpoint(addr uintptr) error {
	if fn, ok := d.entryMap[addr]; ok {
		return d.handleEntryHit(fn)
	}
	if fn, ok := d.prologueMap[addr]; ok {
		return d.handlePrologueHit(fn)
	}
	return d.handleReturnHit()
}

func (d *TraceDriver) handleEntryHit(fn fntrace.Function) error {
	d.depth++

	regs, err := d.tracee.Registers()
	if err != nil {
		return fntrace.Error(err)
	}
	snapshot := format.Snapshot(regs)

	d.emitCall(fn, snapshot)
	if d.backtraceHook != nil {
		d.backtraceHook(fn.EntryAddress())
	}

	// Prologue has not run yet: the return address sits at the top of
	// the stack, pushed by the call instruction (spec.md §4.8).
	retAddr, ok := d.readUintptrAt(uintptr(snapshot[arch.DwarfRSP]))
	if !ok {
		return nil
	}
	d.maybeInstallReturnBreakpoint(retAddr)
	return nil
}

func (d *TraceDriver) handlePrologueHit(fn fntrace.Function) error {
	d.depth++

	regs, err := d.tracee.Registers()
	if err != nil {
		return fntrace.Error(err)
	}
	snapshot := format.Snapshot(regs)

	d.emitCall(fn, snapshot)
	if d.backtraceHook != nil {
		d.backtraceHook(fn.EntryAddress())
	}

	// Prologue has run: walk the caller's frame via the saved rbp, then
	// read the return address at callerRBP+8 (spec.md §4.8).
	callerRBP, ok := d.readUintptrAt(uintptr(snapshot[arch.DwarfRBP]))
	if !ok {
		return nil
	}
	retAddr, ok := d.readUintptrAt(callerRBP + 8)
	if !ok {
		return nil
	}
	d.maybeInstallReturnBreakpoint(retAddr)
	return nil
}

func (d *TraceDriver) handleReturnHit() error {
	regs, err := d.tracee.Registers()
	if err != nil {
		return fntrace.Error(err)
	}
	snapshot := format.Snapshot(regs)

	fmt.Fprintf(d.out, "%s%s\n", indent(d.depth), format.ReturnValue(snapshot))

	// Recursion-compatible interpretation (spec.md §4.8 "Known
	// limitation"): any hit matching neither table is a return, so a
	// shared return address across nested calls just decrements once
	// per hit instead of trying to disambiguate which call it closes.
	if d.depth > 0 {
		d.depth--
	}
	return nil
}

func (d *TraceDriver) emitCall(fn fntrace.Function, snapshot format.RegisterSnapshot) {
	args := make([]string, len(fn.Parameters))
	for i, p := range fn.Parameters {
		args[i] = format.Parameter(p, snapshot, d.tracee)
	}

	argList := ""
	for i, a := range args {
		if i > 0 {
			argList += ", "
		}
		argList += a
	}

	fmt.Fprintf(d.out, "%s%s(%s)\n", indent(d.depth), fn.Name, argList)
}

// maybeInstallReturnBreakpoint installs a breakpoint at retAddr that stays
// armed for the rest of the run, guarding against malformed frames (spec.md
// §8 boundary behavior: a return-address read of 0 or 1 installs nothing)
// and against installing the same address twice for nested/recursive calls.
func (d *TraceDriver) maybeInstallReturnBreakpoint(retAddr uintptr) {
	if retAddr <= 1 {
		return
	}
	if d.returnBreakpoints[retAddr] {
		return
	}
	if err := d.engine.SetBreakpoint(retAddr); err != nil {
		d.logger.WithError(err).Warn("trace: failed to install return breakpoint")
		return
	}
	d.returnBreakpoints[retAddr] = true
}

func (d *TraceDriver) readUintptrAt(addr uintptr) (uintptr, bool) {
	buf := make([]byte, fntrace.SizeofPtr)
	n, err := d.tracee.ReadAt(addr, buf)
	if err != nil || uint64(n) != uint64(len(buf)) {
		return 0, false
	}
	return fntrace.ReadAddress(buf), true
}

func indent(depth int) string {
	s := ""
	for i := 0; i < depth; i++ {
		s += "| "
	}
	return s
}
