package format

import (
	"testing"

	"github.com/aeyk/fntrace"
	"github.com/aeyk/fntrace/arch"
)

type fakeMem struct {
	data map[uintptr]byte
}

func (m fakeMem) ReadAt(addr uintptr, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = m.data[addr+uintptr(i)]
	}
	return len(buf), nil
}

func TestParameterRegisterStorage(t *testing.T) {
	regs := RegisterSnapshot{arch.DwarfRDI: 42}
	p := fntrace.Parameter{Formal: &fntrace.FormalParameter{Storage: fntrace.RegisterStorage{Reg: arch.DwarfRDI}}}

	got := Parameter(p, regs, fakeMem{})
	if got != "42" {
		t.Fatalf("got %q, want %q", got, "42")
	}
}

func TestParameterUnsupportedRegister(t *testing.T) {
	regs := RegisterSnapshot{}
	p := fntrace.Parameter{Formal: &fntrace.FormalParameter{Storage: fntrace.RegisterStorage{Reg: 999}}}

	got := Parameter(p, regs, fakeMem{})
	if got != unsupportedRegisterPlaceholder {
		t.Fatalf("got %q, want placeholder", got)
	}
}

func TestParameterMemoryStorageDecodesLittleEndianUint32(t *testing.T) {
	mem := fakeMem{data: make(map[uintptr]byte)}
	// rbp = 0x1000; offset = 0; size = 4 -> reads at 0x1000+16+0 = 0x1010
	mem.data[0x1010] = 0x2a // 42
	mem.data[0x1011] = 0x00
	mem.data[0x1012] = 0x00
	mem.data[0x1013] = 0x00

	regs := RegisterSnapshot{arch.DwarfRBP: 0x1000}
	p := fntrace.Parameter{Formal: &fntrace.FormalParameter{
		Storage: fntrace.MemoryStorage{Base: fntrace.FrameBaseRBP, Offset: 0, Size: 4},
	}}

	got := Parameter(p, regs, mem)
	if got != "42" {
		t.Fatalf("got %q, want %q", got, "42")
	}
}

func TestParameterMemoryStorageOddSizePrintsHex(t *testing.T) {
	mem := fakeMem{data: make(map[uintptr]byte)}
	mem.data[0x1010] = 0xde
	mem.data[0x1011] = 0xad
	mem.data[0x1012] = 0xbe

	regs := RegisterSnapshot{arch.DwarfRBP: 0x1000}
	p := fntrace.Parameter{Formal: &fntrace.FormalParameter{
		Storage: fntrace.MemoryStorage{Base: fntrace.FrameBaseRBP, Offset: 0, Size: 3},
	}}

	got := Parameter(p, regs, mem)
	if got != "0xdeadbe" {
		t.Fatalf("got %q, want %q", got, "0xdeadbe")
	}
}

func TestParameterFailureRendersTag(t *testing.T) {
	p := fntrace.Parameter{Failure: fntrace.FailureDwarfNoSize}
	got := Parameter(p, RegisterSnapshot{}, fakeMem{})
	if got != "DwarfNoSize" {
		t.Fatalf("got %q, want %q", got, "DwarfNoSize")
	}
}

func TestReturnValue(t *testing.T) {
	regs := RegisterSnapshot{arch.DwarfRAX: 7}
	if got := ReturnValue(regs); got != "7" {
		t.Fatalf("got %q, want %q", got, "7")
	}
}
