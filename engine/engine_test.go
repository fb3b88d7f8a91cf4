package engine

import (
	"testing"

	"golang.org/x/sys/unix"
)

// fakeTracee is an in-process stand-in for a ptraced tracee, driven purely
// by a scripted sequence of Wait statuses. It lets the classify/resume
// state machine be tested without a real process under ptrace.
type fakeTracee struct {
	mem map[uintptr]byte
	pc  uintptr

	waitScript []unix.WaitStatus
	waitIdx    int

	steps   int
	conts   int
	disarms []uintptr
	arms    []uintptr
}

func newFakeTracee() *fakeTracee {
	return &fakeTracee{mem: make(map[uintptr]byte)}
}

func (f *fakeTracee) ReadAt(addr uintptr, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = f.mem[addr+uintptr(i)]
	}
	return len(buf), nil
}

func (f *fakeTracee) WriteAt(addr uintptr, buf []byte) (int, error) {
	for i, b := range buf {
		f.mem[addr+uintptr(i)] = b
	}
	if len(buf) == 1 && buf[0] == 0xCC {
		f.arms = append(f.arms, addr)
	} else {
		f.disarms = append(f.disarms, addr)
	}
	return len(buf), nil
}

func (f *fakeTracee) PC() (uintptr, error)         { return f.pc, nil }
func (f *fakeTracee) SetPC(pc uintptr) error        { f.pc = pc; return nil }
func (f *fakeTracee) Step() error                   { f.steps++; return nil }
func (f *fakeTracee) Cont(sig unix.Signal) error    { f.conts++; return nil }
func (f *fakeTracee) Wait() (unix.WaitStatus, error) {
	st := f.waitScript[f.waitIdx]
	f.waitIdx++
	return st, nil
}

func trapStatus() unix.WaitStatus {
	// WaitStatus encodes (signal<<8 | 0x7f) for a stop, with the trap
	// cause in higher bits left zero for a plain signal-delivery stop.
	return unix.WaitStatus(unix.SIGTRAP)<<8 | 0x7f
}

func TestEngineBreakpointHitRewindsPC(t *testing.T) {
	tracee := newFakeTracee()
	tracee.mem[0x1000] = 0x55
	tracee.waitScript = []unix.WaitStatus{trapStatus()}

	e := New(tracee)
	if err := e.SetBreakpoint(0x1000); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	tracee.pc = 0x1001 // as if the CPU just executed the 0xCC and trapped

	ev, err := e.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ev.Kind != BreakpointHit {
		t.Fatalf("expected BreakpointHit, got %v", ev.Kind)
	}
	if ev.Addr != 0x1000 {
		t.Fatalf("expected addr 0x1000, got %#x", ev.Addr)
	}
	if tracee.pc != 0x1000 {
		t.Fatalf("expected PC rewound to 0x1000, got %#x", tracee.pc)
	}

	bp, ok := e.table.Get(0x1000)
	if !ok || bp.IsEnabled() {
		t.Fatal("expected breakpoint momentarily disarmed after the hit")
	}
}

func TestEngineResumeStepsOverArmedBreakpoint(t *testing.T) {
	tracee := newFakeTracee()
	tracee.mem[0x2000] = 0x90
	tracee.waitScript = []unix.WaitStatus{trapStatus()}

	e := New(tracee)
	if err := e.SetBreakpoint(0x2000); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	tracee.pc = 0x2001
	if _, err := e.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if tracee.steps != 1 {
		t.Fatalf("expected exactly one single-step over the breakpoint, got %d", tracee.steps)
	}
	if tracee.conts != 1 {
		t.Fatalf("expected exactly one cont, got %d", tracee.conts)
	}

	bp, ok := e.table.Get(0x2000)
	if !ok || !bp.IsEnabled() {
		t.Fatal("expected breakpoint re-armed after Resume")
	}
}

func TestEngineExitedEvent(t *testing.T) {
	tracee := newFakeTracee()
	tracee.waitScript = []unix.WaitStatus{0} // exit status 0, WIFEXITED true

	e := New(tracee)
	ev, err := e.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ev.Kind != Exited {
		t.Fatalf("expected Exited, got %v", ev.Kind)
	}
	if ev.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", ev.ExitCode)
	}
}
