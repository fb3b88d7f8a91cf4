package discover

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/aeyk/fntrace/arch"
)

// x86asmToDwarf maps every general-purpose x86asm register (all operand
// widths of the same physical register normalize to one entry) to its
// DWARF register number under the System-V AMD64 ABI.
var x86asmToDwarf = map[x86asm.Reg]uint64{
	x86asm.RAX: arch.DwarfRAX, x86asm.EAX: arch.DwarfRAX, x86asm.AX: arch.DwarfRAX, x86asm.AL: arch.DwarfRAX, x86asm.AH: arch.DwarfRAX,
	x86asm.RCX: arch.DwarfRCX, x86asm.ECX: arch.DwarfRCX, x86asm.CX: arch.DwarfRCX, x86asm.CL: arch.DwarfRCX, x86asm.CH: arch.DwarfRCX,
	x86asm.RDX: arch.DwarfRDX, x86asm.EDX: arch.DwarfRDX, x86asm.DX: arch.DwarfRDX, x86asm.DL: arch.DwarfRDX, x86asm.DH: arch.DwarfRDX,
	x86asm.RBX: arch.DwarfRBX, x86asm.EBX: arch.DwarfRBX, x86asm.BX: arch.DwarfRBX, x86asm.BL: arch.DwarfRBX, x86asm.BH: arch.DwarfRBX,
	x86asm.RSP: arch.DwarfRSP, x86asm.ESP: arch.DwarfRSP, x86asm.SP: arch.DwarfRSP,
	x86asm.RBP: arch.DwarfRBP, x86asm.EBP: arch.DwarfRBP, x86asm.BP: arch.DwarfRBP,
	x86asm.RSI: arch.DwarfRSI, x86asm.ESI: arch.DwarfRSI, x86asm.SI: arch.DwarfRSI, x86asm.SIL: arch.DwarfRSI,
	x86asm.RDI: arch.DwarfRDI, x86asm.EDI: arch.DwarfRDI, x86asm.DI: arch.DwarfRDI, x86asm.DIL: arch.DwarfRDI,
	x86asm.R8: arch.DwarfR8, x86asm.R8L: arch.DwarfR8, x86asm.R8W: arch.DwarfR8, x86asm.R8D: arch.DwarfR8,
	x86asm.R9: arch.DwarfR9, x86asm.R9L: arch.DwarfR9, x86asm.R9W: arch.DwarfR9, x86asm.R9D: arch.DwarfR9,
	x86asm.R10: arch.DwarfR10, x86asm.R10L: arch.DwarfR10, x86asm.R10W: arch.DwarfR10, x86asm.R10D: arch.DwarfR10,
	x86asm.R11: arch.DwarfR11, x86asm.R11L: arch.DwarfR11, x86asm.R11W: arch.DwarfR11, x86asm.R11D: arch.DwarfR11,
	x86asm.R12: arch.DwarfR12, x86asm.R12L: arch.DwarfR12, x86asm.R12W: arch.DwarfR12, x86asm.R12D: arch.DwarfR12,
	x86asm.R13: arch.DwarfR13, x86asm.R13L: arch.DwarfR13, x86asm.R13W: arch.DwarfR13, x86asm.R13D: arch.DwarfR13,
	x86asm.R14: arch.DwarfR14, x86asm.R14L: arch.DwarfR14, x86asm.R14W: arch.DwarfR14, x86asm.R14D: arch.DwarfR14,
	x86asm.R15: arch.DwarfR15, x86asm.R15L: arch.DwarfR15, x86asm.R15W: arch.DwarfR15, x86asm.R15D: arch.DwarfR15,
}

// dwarfRegFromAsm resolves a decoded x86asm register operand to the DWARF
// register number it reads/writes, regardless of the operand's sub-width.
func dwarfRegFromAsm(r x86asm.Reg) (uint64, bool) {
	d, ok := x86asmToDwarf[r]
	return d, ok
}
