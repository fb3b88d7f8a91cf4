//go:build amd64

// Package arch contains the x86-64-specific constants the rest of the
// tracer needs: the trap encoding, DWARF register numbers, and the
// System-V AMD64 argument register set.
package arch

// TrapInstruction is the one-byte x86 INT3 trap opcode a software
// breakpoint overwrites code with.
var TrapInstruction = []byte{0xCC}

// https://github.com/torvalds/linux/blob/master/arch/x86/include/uapi/asm/ptrace.h
// Indexes into the ptrace GP register snapshot, in the order
// golang.org/x/sys/unix.PtraceRegs lays them out.
const (
	PCRegNum = 16 // rip
	SPRegNum = 19 // rsp
	FPRegNum = 4  // rbp
)

// DWARF register numbers for the System-V AMD64 ABI.
const (
	DwarfRAX = 0
	DwarfRDX = 1
	DwarfRCX = 2
	DwarfRBX = 3
	DwarfRSI = 4
	DwarfRDI = 5
	DwarfRBP = 6
	DwarfRSP = 7
	DwarfR8  = 8
	DwarfR9  = 9
	DwarfR10 = 10
	DwarfR11 = 11
	DwarfR12 = 12
	DwarfR13 = 13
	DwarfR14 = 14
	DwarfR15 = 15
	DwarfRIP = 16
)

// ReturnRegister is where a function's return value is held under
// System-V AMD64.
const ReturnRegister = DwarfRAX

// ArgRegisters lists the System-V AMD64 integer/pointer argument
// registers, in calling-convention order.
var ArgRegisters = []uint64{DwarfRDI, DwarfRSI, DwarfRDX, DwarfRCX, DwarfR8, DwarfR9}

// IsArgRegister reports whether reg is one of the System-V AMD64 argument
// registers.
func IsArgRegister(reg uint64) bool {
	for _, r := range ArgRegisters {
		if r == reg {
			return true
		}
	}
	return false
}

// asmToDwarf maps a ptrace GP-register-snapshot index to its DWARF
// register number, the same table the teacher's arch package used.
var asmToDwarf = map[int]uint64{
	0:  DwarfR15,
	1:  DwarfR14,
	2:  DwarfR13,
	3:  DwarfR12,
	4:  DwarfRBP,
	5:  DwarfRBX,
	6:  DwarfR11,
	7:  DwarfR10,
	8:  DwarfR9,
	9:  DwarfR8,
	10: DwarfRAX,
	11: DwarfRCX,
	12: DwarfRDX,
	13: DwarfRSI,
	14: DwarfRDI,
	16: DwarfRIP,
	19: DwarfRSP,
}

// AsmToDwarfReg converts a ptrace register-snapshot index to a DWARF
// register number.
func AsmToDwarfReg(reg int) (uint64, bool) {
	dreg, ok := asmToDwarf[reg]
	return dreg, ok
}
