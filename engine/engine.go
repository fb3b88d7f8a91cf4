// Package engine implements the DebuggerEngine state machine (spec.md
// §4.3): spawn, wait, classify, resume, mediating between the tracee and
// the rest of the tracer while hiding the step-over-breakpoint hazard.
package engine

import (
	"golang.org/x/sys/unix"

	"github.com/aeyk/fntrace"
	"github.com/aeyk/fntrace/process"
)

// Tracee is the capability set the engine needs from a tracee (design note
// "Dynamic dispatch over multiple process implementations"): the engine is
// generic over this interface so it can be driven by a mock in tests
// instead of a real ptraced process.
type Tracee interface {
	process.MemoryReaderWriter
	PC() (uintptr, error)
	SetPC(pc uintptr) error
	Step() error
	Cont(sig unix.Signal) error
	Wait() (unix.WaitStatus, error)
}

// Engine drives one tracee through spawn -> wait -> classify -> resume.
// It owns the BreakpointTable for its whole lifetime and is the sole
// mutator of tracee registers and memory, so there is no locking (spec.md
// §5 — single-threaded core).
type Engine struct {
	Process Tracee
	table   *process.BreakpointTable
}

// Spawn launches path under ptrace and returns an Engine holding it at its
// initial post-exec stop (see process.Spawn). The tracee is not yet
// continued, so the caller may install breakpoints first.
func Spawn(path string, args []string) (*Engine, error) {
	h, err := process.Spawn(path, args)
	if err != nil {
		return nil, fntrace.Error(err)
	}

	return New(h), nil
}

// New wraps an already-stopped Tracee in a fresh Engine. cmd/fntrace uses
// it over a process.Spawn handle, and tests use it over a mock Tracee that
// didn't come from Spawn.
func New(tracee Tracee) *Engine {
	return &Engine{Process: tracee, table: process.NewBreakpointTable()}
}

// SetBreakpoint installs (and arms) a breakpoint at addr. Idempotent if
// addr is already tracked.
func (e *Engine) SetBreakpoint(addr uintptr) error {
	if err := e.table.Set(e.Process, addr); err != nil {
		return fntrace.Error(err)
	}
	return nil
}

// RemoveBreakpoint disarms and forgets the breakpoint at addr, if any.
func (e *Engine) RemoveBreakpoint(addr uintptr) error {
	if err := e.table.Remove(e.Process, addr); err != nil {
		return fntrace.Error(err)
	}
	return nil
}

// BreakpointCount returns the number of breakpoints currently tracked.
func (e *Engine) BreakpointCount() int {
	return e.table.Len()
}

// Wait blocks for the next tracee state change and classifies it per the
// table in spec.md §4.3. On a BreakpointHit the matching breakpoint is
// disarmed and the program counter is rewound to Addr before this
// function returns — it is Resume's job to single-step past it and
// re-arm on the next call.
func (e *Engine) Wait() (Event, error) {
	status, err := e.Process.Wait()
	if err != nil {
		return Event{Kind: Unknown}, fntrace.Error(err)
	}

	switch {
	case status.Exited():
		return Event{Kind: Exited, ExitCode: status.ExitStatus()}, nil

	case status.Stopped():
		sig := status.StopSignal()

		if sig == unix.SIGTRAP {
			return e.classifyTrap()
		}
		if sig == unix.SIGSEGV {
			return Event{Kind: Stopped}, nil
		}
		return Event{Kind: Unknown}, nil

	default:
		return Event{Kind: Unknown}, nil
	}
}

func (e *Engine) classifyTrap() (Event, error) {
	pc, err := e.Process.PC()
	if err != nil {
		return Event{Kind: Unknown}, fntrace.Error(err)
	}

	addr := pc - process.InstrLen
	bp, ok := e.table.Get(addr)
	if !ok || !bp.IsEnabled() {
		return Event{Kind: Stopped}, nil
	}

	if err := bp.Disable(e.Process); err != nil {
		return Event{Kind: Unknown}, fntrace.Error(err)
	}
	if err := e.Process.SetPC(addr); err != nil {
		return Event{Kind: Unknown}, fntrace.Error(err)
	}

	return Event{Kind: BreakpointHit, Addr: addr}, nil
}

// Resume continues the tracee. If the PC currently sits on a breakpoint
// that Wait temporarily disarmed, Resume single-steps past it and
// re-arms it first, so breakpoints stay persistently armed for the whole
// run instead of being consumed by one hit (spec.md §4.3, the
// step-over-breakpoint invariant).
func (e *Engine) Resume() error {
	pc, err := e.Process.PC()
	if err != nil {
		return fntrace.Error(err)
	}

	if bp, ok := e.table.Get(pc); ok && !bp.IsEnabled() {
		if err := e.Process.Step(); err != nil {
			return fntrace.Error(err)
		}
		if err := bp.Enable(e.Process); err != nil {
			return fntrace.Error(err)
		}
	}

	if err := e.Process.Cont(0); err != nil {
		return fntrace.Error(err)
	}
	return nil
}

// Continue is an alias for the first resume of the run, after breakpoints
// have been installed but before any BreakpointHit/Stopped has been
// observed (there is nothing to step over yet, so it is exactly Resume).
func (e *Engine) Continue() error {
	return e.Resume()
}
