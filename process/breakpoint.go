package process

import (
	"bytes"

	"github.com/aeyk/fntrace"
	"github.com/aeyk/fntrace/arch"
)

var emptyInstr = make([]byte, len(arch.TrapInstruction))

// MemoryReaderWriter is the narrow capability Breakpoint needs from a
// tracee: random-access reads and writes of its address space. Generalized
// from a concrete *Handle so the engine can be driven by a mock in tests
// (design note "Dynamic dispatch over multiple process implementations").
type MemoryReaderWriter interface {
	ReadAt(addr uintptr, buf []byte) (int, error)
	WriteAt(addr uintptr, buf []byte) (int, error)
}

// Breakpoint represents one armed (or disarmed) software trap at an
// address (spec.md §4.2).
type Breakpoint struct {
	Address   uintptr
	enabled   bool
	savedByte []byte
}

// NewBreakpoint returns an initialized but disarmed placeholder.
func NewBreakpoint(address uintptr) *Breakpoint {
	return &Breakpoint{
		Address:   address,
		savedByte: make([]byte, len(arch.TrapInstruction)),
	}
}

// Enable reads and saves the original byte at Address, then overwrites it
// with the trap opcode. Must never be called on an already-enabled
// breakpoint without an intervening Disable, or the original instruction
// is lost (spec.md §4.2).
func (bp *Breakpoint) Enable(tracee MemoryReaderWriter) error {
	if bp.enabled {
		return fntrace.Errorf("breakpoint at %#x already enabled", bp.Address)
	}

	if _, err := tracee.ReadAt(bp.Address, bp.savedByte); err != nil {
		return fntrace.Error(err)
	}

	if bytes.Equal(bp.savedByte, emptyInstr) {
		return fntrace.Errorf("could not save original instruction at %#x", bp.Address)
	}

	if _, err := tracee.WriteAt(bp.Address, arch.TrapInstruction); err != nil {
		return fntrace.Error(err)
	}

	bp.enabled = true
	return nil
}

// Disable restores the saved byte.
func (bp *Breakpoint) Disable(tracee MemoryReaderWriter) error {
	if !bp.enabled {
		return fntrace.Errorf("breakpoint at %#x already disabled", bp.Address)
	}

	if _, err := tracee.WriteAt(bp.Address, bp.savedByte); err != nil {
		return fntrace.Error(err)
	}

	bp.enabled = false
	return nil
}

// IsEnabled reports whether the trap is currently armed.
func (bp *Breakpoint) IsEnabled() bool {
	return bp.enabled
}

// InstrLen is the constant length of the trap instruction: exactly one
// byte, used by the engine to compute PC rewind after a hit.
const InstrLen = 1

// BreakpointTable maps address to Breakpoint; lifetime is the engine's
// lifetime.
type BreakpointTable struct {
	breakpoints map[uintptr]*Breakpoint
}

// NewBreakpointTable returns an empty table.
func NewBreakpointTable() *BreakpointTable {
	return &BreakpointTable{breakpoints: make(map[uintptr]*Breakpoint)}
}

// Set installs a breakpoint at addr, enabling it immediately. A request for
// an address already in the table is a no-op: the previously installed
// trap is still active (spec.md §4.3).
func (t *BreakpointTable) Set(tracee MemoryReaderWriter, addr uintptr) error {
	if _, exists := t.breakpoints[addr]; exists {
		return nil
	}

	bp := NewBreakpoint(addr)
	if err := bp.Enable(tracee); err != nil {
		return fntrace.Error(err)
	}

	t.breakpoints[addr] = bp
	return nil
}

// Get returns the breakpoint at addr, if any.
func (t *BreakpointTable) Get(addr uintptr) (*Breakpoint, bool) {
	bp, ok := t.breakpoints[addr]
	return bp, ok
}

// Remove disables (if enabled) and deletes the breakpoint at addr.
func (t *BreakpointTable) Remove(tracee MemoryReaderWriter, addr uintptr) error {
	bp, ok := t.breakpoints[addr]
	if !ok {
		return nil
	}

	var err error
	if bp.IsEnabled() {
		err = bp.Disable(tracee)
	}
	delete(t.breakpoints, addr)
	if err != nil {
		return fntrace.Error(err)
	}
	return nil
}

// Len returns the number of tracked breakpoints.
func (t *BreakpointTable) Len() int {
	return len(t.breakpoints)
}
