package discover

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/aeyk/fntrace"
	"github.com/aeyk/fntrace/arch"
	"github.com/aeyk/fntrace/objfile"
)

// Heuristic disassembles every STT_FUNC symbol in f's .text section and
// derives each function's likely argument registers from read-before-write
// liveness, for binaries traced without (or ignoring) debug info (spec.md
// §4.5). Grounded on golang.org/x/arch/x86/x86asm's decode loop pattern
// (other_examples' mewmew-x disassembler) generalized to register
// liveness instead of control-flow lifting.
func Heuristic(f objfile.File) ([]fntrace.Function, error) {
	textAddr, text, ok := textSection(f)
	if !ok {
		return nil, fntrace.Errorf("no .text section")
	}

	var functions []fntrace.Function

	for _, sym := range f.Symbols() {
		if sym.Kind != objfile.SymbolFunc {
			continue
		}
		if sym.Address < textAddr || sym.Address+uintptr(sym.Size) > textAddr+uintptr(len(text)) {
			continue // symbol not backed by .text (e.g. PLT stub, ifunc resolver)
		}

		start := sym.Address - textAddr
		code := text[start : start+uintptr(sym.Size)]

		functions = append(functions, fntrace.Function{
			Address:    sym.Address,
			Name:       sym.Name,
			Parameters: argumentCandidates(code),
		})
	}

	return functions, nil
}

func textSection(f objfile.File) (uintptr, []byte, bool) {
	sec, ok := f.Section("text")
	if !ok {
		return 0, nil, false
	}
	return sec.Addr, sec.Data(), true
}

// argumentCandidates implements spec.md §4.5 steps 3-6: walk the
// disassembly in program order, track the set of registers written so far
// (seeded with the callee-managed/implicit RSP/RIP/RBP), and any register
// read before being written is a candidate argument register. Only
// System-V argument registers survive the final filter.
func argumentCandidates(code []byte) []fntrace.Parameter {
	written := map[uint64]bool{
		arch.DwarfRSP: true,
		arch.DwarfRIP: true,
		arch.DwarfRBP: true,
	}
	var order []uint64
	seen := map[uint64]bool{}

	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil || inst.Len == 0 {
			break
		}

		reads, writes := instructionRegisterSets(inst)

		for _, r := range reads {
			if !written[r] && !seen[r] {
				seen[r] = true
				order = append(order, r)
			}
		}
		for _, w := range writes {
			written[w] = true
		}

		if inst.Op == x86asm.RET {
			break
		}

		offset += inst.Len
	}

	var params []fntrace.Parameter
	for _, reg := range arch.ArgRegisters {
		if !seen[reg] {
			continue
		}
		params = append(params, fntrace.Parameter{Formal: &fntrace.FormalParameter{
			Storage: fntrace.RegisterStorage{Reg: reg},
		}})
	}
	_ = order // discovery order is not used; the filter above emits in ABI order
	return params
}

// instructionRegisterSets approximates one x86 instruction's read and write
// register sets. The destination operand (Args[0]) is read-and-written for
// read-modify-write instructions and write-only for pure move/load
// instructions; every other register operand, and every register used in a
// memory operand's addressing (base/index), is a read.
func instructionRegisterSets(inst x86asm.Inst) (reads, writes []uint64) {
	for i, arg := range inst.Args {
		if arg == nil {
			continue
		}

		switch a := arg.(type) {
		case x86asm.Reg:
			if d, ok := dwarfRegFromAsm(a); ok {
				if i == 0 {
					writes = append(writes, d)
					if !isWriteOnly(inst.Op) {
						reads = append(reads, d)
					}
				} else {
					reads = append(reads, d)
				}
			}

		case x86asm.Mem:
			if d, ok := dwarfRegFromAsm(a.Base); ok {
				reads = append(reads, d)
			}
			if d, ok := dwarfRegFromAsm(a.Index); ok {
				reads = append(reads, d)
			}
		}
	}

	return reads, writes
}

// isWriteOnly reports whether op's first operand is purely a destination
// (no implicit read of its prior value).
func isWriteOnly(op x86asm.Op) bool {
	switch op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD, x86asm.LEA,
		x86asm.MOVSS, x86asm.MOVSD, x86asm.MOVAPS, x86asm.MOVAPD, x86asm.MOVQ, x86asm.MOVD:
		return true
	default:
		return false
	}
}
