package discover

import (
	"testing"

	"github.com/aeyk/fntrace"
	"github.com/aeyk/fntrace/arch"
)

// The sequences below are hand-assembled trivial x86-64 byte strings;
// golang.org/x/arch's x86asm decoder is exercised directly rather than
// going through an assembler.
func TestArgumentCandidatesReadBeforeWrite(t *testing.T) {
	// mov eax, edi   ; 89 f8  -- reads RDI (arg0), writes RAX
	// add eax, esi   ; 01 f0  -- reads RAX and RSI, writes RAX
	// ret            ; c3
	code := []byte{0x89, 0xf8, 0x01, 0xf0, 0xc3}

	params := argumentCandidates(code)

	discovered := map[uint64]bool{}
	for _, p := range params {
		if p.Formal == nil {
			t.Fatalf("expected only successful discoveries, got failure %v", p.Failure)
		}
		reg, ok := p.Formal.Storage.(fntrace.RegisterStorage)
		if !ok {
			t.Fatalf("expected RegisterStorage, got %T", p.Formal.Storage)
		}
		discovered[reg.Reg] = true
	}

	if !discovered[arch.DwarfRDI] {
		t.Error("expected RDI discovered as an argument candidate (read before write)")
	}
	if !discovered[arch.DwarfRSI] {
		t.Error("expected RSI discovered as an argument candidate (read before write)")
	}
	if discovered[arch.DwarfRAX] {
		t.Error("RAX is written before any read of it, should not be a candidate")
	}
}

func TestArgumentCandidatesFiltersNonArgRegisters(t *testing.T) {
	// mov eax, ebx  ; 89 d8  -- reads RBX, which is not a System-V argument
	// register, so it must not surface even though it's read before write.
	code := []byte{0x89, 0xd8, 0xc3}

	params := argumentCandidates(code)
	for _, p := range params {
		reg := p.Formal.Storage.(fntrace.RegisterStorage)
		if reg.Reg == arch.DwarfRBX {
			t.Fatal("RBX must never surface as an argument candidate")
		}
	}
}
