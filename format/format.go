// Package format implements ArgumentFormatter (spec.md §4.7): turning a
// discovered parameter's storage description, together with a register
// snapshot and tracee memory access, into the printable string the trace
// driver emits. Grounded on the teacher's data/variableentry.go and
// data/reading.go (pointer/value rendering, the "0x"+hex convention) and
// data/location.go (register-vs-memory dispatch), narrowed to spec.md
// §4.7's simpler contract.
package format

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/aeyk/fntrace"
	"github.com/aeyk/fntrace/arch"
)

// RegisterSnapshot is a DWARF-register-number-indexed capture of a
// tracee's general-purpose registers at a single stop.
type RegisterSnapshot map[uint64]uint64

// Snapshot builds a RegisterSnapshot from a raw ptrace register struct,
// the same field-by-field mapping the teacher's arch package used to
// build its ptrace-index table, restated here in DWARF-register terms.
func Snapshot(regs *unix.PtraceRegs) RegisterSnapshot {
	return RegisterSnapshot{
		arch.DwarfRAX: regs.Rax,
		arch.DwarfRDX: regs.Rdx,
		arch.DwarfRCX: regs.Rcx,
		arch.DwarfRBX: regs.Rbx,
		arch.DwarfRSI: regs.Rsi,
		arch.DwarfRDI: regs.Rdi,
		arch.DwarfRBP: regs.Rbp,
		arch.DwarfRSP: regs.Rsp,
		arch.DwarfR8:  regs.R8,
		arch.DwarfR9:  regs.R9,
		arch.DwarfR10: regs.R10,
		arch.DwarfR11: regs.R11,
		arch.DwarfR12: regs.R12,
		arch.DwarfR13: regs.R13,
		arch.DwarfR14: regs.R14,
		arch.DwarfR15: regs.R15,
		arch.DwarfRIP: regs.Rip,
	}
}

// MemoryReader is the narrow tracee-memory capability this package needs.
type MemoryReader interface {
	ReadAt(addr uintptr, buf []byte) (int, error)
}

const unsupportedRegisterPlaceholder = "?"

// Parameter renders one formal parameter for the call-line args list
// (spec.md §4.7). Discovery failures render as their failure tag; a
// successful discovery renders per its storage kind.
func Parameter(p fntrace.Parameter, regs RegisterSnapshot, mem MemoryReader) string {
	if !p.OK() {
		return p.Failure.String()
	}

	switch storage := p.Formal.Storage.(type) {
	case fntrace.RegisterStorage:
		return registerValue(storage.Reg, regs)

	case fntrace.MemoryStorage:
		return memoryValue(storage, regs, mem)

	default:
		return "err"
	}
}

// ReturnValue renders a function's return value from the architecture's
// return register (spec.md §4.7 "Return values are rendered from the
// return register at return-site breakpoint hits").
func ReturnValue(regs RegisterSnapshot) string {
	return registerValue(arch.ReturnRegister, regs)
}

func registerValue(reg uint64, regs RegisterSnapshot) string {
	v, ok := regs[reg]
	if !ok {
		return unsupportedRegisterPlaceholder
	}
	return strconv.FormatUint(v, 10)
}

// memoryValue reads size bytes from rbp+16+offset and decodes them
// little-endian per spec.md §4.7. The +16 skips the saved base pointer and
// return address pushed onto a System-V stack frame; it is only correct
// once the prologue has run (the entry breakpoint is placed at
// prologue_end for exactly this reason, see discover.DWARF).
func memoryValue(storage fntrace.MemoryStorage, regs RegisterSnapshot, mem MemoryReader) string {
	rbp, ok := regs[arch.DwarfRBP]
	if !ok {
		return "err"
	}

	addr := uintptr(int64(rbp) + 16 + storage.Offset)

	buf := make([]byte, storage.Size)
	n, err := mem.ReadAt(addr, buf)
	if err != nil || uint64(n) != storage.Size {
		return "err"
	}

	switch storage.Size {
	case 2:
		return strconv.FormatUint(uint64(littleEndian16(buf)), 10)
	case 4:
		return strconv.FormatUint(uint64(littleEndian32(buf)), 10)
	case 8:
		return strconv.FormatUint(littleEndian64(buf), 10)
	default:
		return "0x" + hex.EncodeToString(buf)
	}
}

func littleEndian16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func littleEndian32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func littleEndian64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
