package process

import (
	"bytes"
	"testing"

	"github.com/aeyk/fntrace/arch"
)

// fakeMemory is an in-memory MemoryReaderWriter backing a mock tracee, used
// to test Breakpoint/BreakpointTable without a real ptrace target.
type fakeMemory struct {
	data map[uintptr]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{data: make(map[uintptr]byte)}
}

func (m *fakeMemory) ReadAt(addr uintptr, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = m.data[addr+uintptr(i)]
	}
	return len(buf), nil
}

func (m *fakeMemory) WriteAt(addr uintptr, buf []byte) (int, error) {
	for i, b := range buf {
		m.data[addr+uintptr(i)] = b
	}
	return len(buf), nil
}

func TestBreakpointEnableDisableRoundTrip(t *testing.T) {
	mem := newFakeMemory()
	mem.data[0x1000] = 0x55 // push rbp

	bp := NewBreakpoint(0x1000)
	if err := bp.Enable(mem); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if mem.data[0x1000] != arch.TrapInstruction[0] {
		t.Fatalf("expected trap byte at address, got %#x", mem.data[0x1000])
	}
	if !bp.IsEnabled() {
		t.Fatal("expected enabled")
	}

	if err := bp.Disable(mem); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if mem.data[0x1000] != 0x55 {
		t.Fatalf("expected original byte restored, got %#x", mem.data[0x1000])
	}
}

func TestBreakpointEnableTwiceFails(t *testing.T) {
	mem := newFakeMemory()
	mem.data[0x2000] = 0x90

	bp := NewBreakpoint(0x2000)
	if err := bp.Enable(mem); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := bp.Enable(mem); err == nil {
		t.Fatal("expected error enabling an already-enabled breakpoint")
	}
}

func TestBreakpointTableSetIsIdempotent(t *testing.T) {
	mem := newFakeMemory()
	mem.data[0x3000] = 0x90

	table := NewBreakpointTable()
	if err := table.Set(mem, 0x3000); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := table.Set(mem, 0x3000); err != nil {
		t.Fatalf("second Set should be a no-op, got: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 breakpoint, got %d", table.Len())
	}

	bp, ok := table.Get(0x3000)
	if !ok || !bp.IsEnabled() {
		t.Fatal("expected breakpoint still armed")
	}
}

func TestBreakpointTableRemove(t *testing.T) {
	mem := newFakeMemory()
	mem.data[0x4000] = 0x42

	table := NewBreakpointTable()
	if err := table.Set(mem, 0x4000); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := table.Remove(mem, 0x4000); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if table.Len() != 0 {
		t.Fatal("expected table empty after remove")
	}
	if !bytes.Equal([]byte{mem.data[0x4000]}, []byte{0x42}) {
		t.Fatal("expected original byte restored on remove")
	}
}
