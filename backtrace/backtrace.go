// Package backtrace implements the two opt-in diagnostic enrichments kept
// from the teacher's CFI/global-variable machinery (SPEC_FULL.md FEATURE
// SUPPLEMENT #2 and #3): --backtrace unwinds the call stack at a
// breakpoint hit using .eh_frame CFI, and --show-globals snapshots the
// compilation unit's global variables. Neither changes spec.md §6's fixed
// stdout trace format; both print to an auxiliary stream only when the
// corresponding flag is set. Grounded on the teacher's
// data/stackiterator.go and data/backtraceframe.go, rehomed onto the real
// github.com/go-delve/delve/pkg/dwarf/frame and .../op packages (the
// teacher hand-forked these into custom/dwarf/frame and custom/dwarf/op;
// this repo depends on the upstream packages directly instead of
// maintaining a third copy of delve's CFI parser).
package backtrace

import (
	"debug/dwarf"
	"fmt"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/op"

	"github.com/aeyk/fntrace"
)

// Memory is the narrow tracee capability CFI unwinding needs: reads of
// return addresses and saved registers off the stack.
type Memory interface {
	ReadAt(addr uintptr, buf []byte) (int, error)
}

// FunctionNamer resolves an address to the name of the function
// containing it, for labeling unwound frames; returns ok=false for
// addresses outside any known function.
type FunctionNamer func(pc uintptr) (name string, ok bool)

// Frame is one entry of an unwound call stack.
type Frame struct {
	PC       uintptr
	Name     string
	CFA      uintptr
	ReturnPC uintptr
}

// Unwind walks the call stack starting at pc/regs using CFI (.eh_frame)
// data, up to maxDepth frames, grounded on the teacher's
// StackIterator.advanceRegs loop narrowed to the common DWRule kinds a
// System-V AMD64 non-leaf frame actually uses.
func Unwind(entries frame.FrameDescriptionEntries, mem Memory, regs op.DwarfRegisters, pc uintptr, namer FunctionNamer, maxDepth int) []Frame {
	var frames []Frame

	for i := 0; i < maxDepth && pc != 0; i++ {
		fde, err := entries.FDEForPC(uint64(pc))
		if err != nil {
			break
		}

		ctx := fde.EstablishFrame(uint64(pc))

		cfa, ok := resolveRule(ctx.CFA, &regs, mem, 0)
		if !ok {
			break
		}
		regs.CFA = int64(cfa)

		name, _ := namer(pc)
		f := Frame{PC: pc, Name: name, CFA: uintptr(cfa)}

		var retaddr uint64
		for regNum, rule := range ctx.Regs {
			val, ok := resolveRule(rule, &regs, mem, regs.CFA)
			if !ok {
				continue
			}
			if uint64(regNum) == ctx.RetAddrReg {
				retaddr = val
			}
		}

		f.ReturnPC = uintptr(retaddr)
		frames = append(frames, f)

		if retaddr == 0 {
			break
		}
		pc = uintptr(retaddr)
	}

	return frames
}

// resolveRule evaluates one CFI register rule, grounded on the teacher's
// executeFrameRegRule switch. Only the rule kinds a straight-line System-V
// frame unwind actually produces are handled; anything else is treated as
// "undefined" (unwind stops).
func resolveRule(rule frame.DWRule, regs *op.DwarfRegisters, mem Memory, cfa int64) (uint64, bool) {
	switch rule.Rule {
	case frame.RuleOffset:
		return readAddressAt(mem, uintptr(cfa+rule.Offset))
	case frame.RuleValOffset:
		return uint64(cfa + rule.Offset), true
	case frame.RuleRegister:
		r := regs.Reg(rule.Reg)
		if r == nil {
			return 0, false
		}
		return r.Uint64Val, true
	case frame.RuleCFA:
		r := regs.Reg(rule.Reg)
		if r == nil {
			return 0, false
		}
		return uint64(int64(r.Uint64Val) + rule.Offset), true
	default:
		return 0, false
	}
}

func readAddressAt(mem Memory, addr uintptr) (uint64, bool) {
	buf := make([]byte, fntrace.SizeofPtr)
	if n, err := mem.ReadAt(addr, buf); err != nil || n != len(buf) {
		return 0, false
	}
	return uint64(fntrace.ReadAddress(buf)), true
}

// Global is a snapshot of one global variable's name and value at a
// breakpoint hit, reachable from the compilation unit covering pc.
type Global struct {
	Name  string
	Value string
}

// Globals returns every top-level DW_TAG_variable in the compilation unit
// covering pc whose location is a plain DW_OP_addr (a static address, not
// stack/register-relative), grounded on the teacher's DebugData.GetGlobals.
func Globals(data *dwarf.Data, mem Memory, pc uintptr) ([]Global, error) {
	reader := data.Reader()
	if _, err := reader.SeekPC(uint64(pc)); err != nil {
		return nil, fntrace.Error(err)
	}

	var globals []Global
	depth := 0
	for {
		entry, err := reader.Next()
		if err != nil {
			return globals, fntrace.Error(err)
		}
		if entry == nil || (entry.Tag == 0 && depth == 0) {
			break
		}
		if entry.Tag == 0 {
			depth--
			continue
		}
		level := depth
		if entry.Children {
			depth++
		}
		if level > 0 || entry.Tag != dwarf.TagVariable {
			continue
		}

		name, hasName := entry.Val(dwarf.AttrName).(string)
		loc, hasLoc := entry.Val(dwarf.AttrLocation).([]byte)
		if !hasName || !hasLoc || len(loc) == 0 || loc[0] != byte(op.DW_OP_addr) {
			continue
		}

		addr := fntrace.ReadAddress(loc[1:])
		size, _ := entry.Val(dwarf.AttrByteSize).(int64)
		if size <= 0 {
			size = int64(fntrace.SizeofPtr)
		}

		buf := make([]byte, size)
		n, err := mem.ReadAt(uintptr(addr), buf)
		if err != nil || int64(n) != size {
			globals = append(globals, Global{Name: name, Value: "err"})
			continue
		}

		globals = append(globals, Global{Name: name, Value: fmt.Sprintf("0x%x", buf)})
	}

	return globals, nil
}
