// Package process implements ProcessHandle (spec.md §4.1): spawning a
// tracee under ptrace, reading and writing its memory and registers, and
// enumerating its memory map.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/aeyk/fntrace"
)

// mapsFieldSplit splits a /proc/<pid>/maps line on runs of whitespace,
// matching the %s-field semantics of the format's C/Rust parsers.
var mapsFieldSplit = regexp.MustCompile(`\s+`)

// Handle is a live tracee identity: an opaque process id. Each memory read
// or write opens /proc/<pid>/mem afresh.
type Handle struct {
	pid int
}

// Spawn forks a child executing path with args under ptrace and waits for
// the first automatic stop following exec (spec.md §4.3 "Spawn protocol").
// The child is NOT continued past that stop — the caller gets a chance to
// install breakpoints before any of the tracee's own code runs.
func Spawn(path string, args []string) (*Handle, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, fntrace.Error(err)
	}

	pid := cmd.Process.Pid

	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return nil, fntrace.Error(err)
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		return nil, fntrace.Errorf("unexpected status after exec: %v", status)
	}

	return &Handle{pid: pid}, nil
}

// Pid returns the tracee's process id.
func (h *Handle) Pid() int {
	return h.pid
}

func (h *Handle) memPath() string {
	return fmt.Sprintf("/proc/%d/mem", h.pid)
}

// FilePath returns the tracee's executable path, read via /proc/<pid>/exe.
func (h *Handle) FilePath() (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", h.pid))
	if err != nil {
		return "", fntrace.Error(err)
	}
	return path, nil
}

// ReadAt reads len(buf) bytes from the tracee's address space at addr.
func (h *Handle) ReadAt(addr uintptr, buf []byte) (int, error) {
	f, err := os.Open(h.memPath())
	if err != nil {
		return 0, fntrace.Error(err)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, int64(addr))
	if err != nil {
		return n, fntrace.Error(err)
	}
	return n, nil
}

// WriteAt writes buf into the tracee's address space at addr.
func (h *Handle) WriteAt(addr uintptr, buf []byte) (int, error) {
	f, err := os.OpenFile(h.memPath(), os.O_RDWR, 0)
	if err != nil {
		return 0, fntrace.Error(err)
	}
	defer f.Close()

	n, err := f.WriteAt(buf, int64(addr))
	if err != nil {
		return n, fntrace.Error(err)
	}
	return n, nil
}

// Registers returns the tracee's full general-purpose register snapshot.
func (h *Handle) Registers() (*unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(h.pid, &regs); err != nil {
		return nil, fntrace.Error(err)
	}
	return &regs, nil
}

// SetRegisters writes back a register snapshot.
func (h *Handle) SetRegisters(regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(h.pid, regs); err != nil {
		return fntrace.Error(err)
	}
	return nil
}

// PC reads the program counter.
func (h *Handle) PC() (uintptr, error) {
	regs, err := h.Registers()
	if err != nil {
		return 0, fntrace.Error(err)
	}
	return uintptr(regs.Rip), nil
}

// SetPC sets the program counter.
func (h *Handle) SetPC(pc uintptr) error {
	regs, err := h.Registers()
	if err != nil {
		return fntrace.Error(err)
	}
	regs.Rip = uint64(pc)
	return h.SetRegisters(regs)
}

// Step executes a single instruction and blocks until the resulting stop.
func (h *Handle) Step() error {
	if err := unix.PtraceSingleStep(h.pid); err != nil {
		return fntrace.Error(err)
	}

	var status unix.WaitStatus
	if _, err := unix.Wait4(h.pid, &status, 0, nil); err != nil {
		return fntrace.Error(err)
	}
	return nil
}

// Cont resumes the tracee, optionally delivering a pending signal.
func (h *Handle) Cont(sig unix.Signal) error {
	if err := unix.PtraceCont(h.pid, int(sig)); err != nil {
		return fntrace.Error(err)
	}
	return nil
}

// Wait blocks for the next state change of the tracee (or any of its
// threads, though spec.md treats the tracee as single-threaded).
func (h *Handle) Wait() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	_, err := unix.Wait4(h.pid, &status, 0, nil)
	if err != nil {
		return status, fntrace.Error(err)
	}
	return status, nil
}

// MemoryMaps parses /proc/<pid>/maps into a sequence of MemoryRegions.
// Lines are split on whitespace into at most 6 fields (range, perms, offset,
// dev, inode, pathname) so a pathname containing spaces is preserved whole
// in the final field (spec.md §4.1).
func (h *Handle) MemoryMaps() ([]fntrace.MemoryRegion, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", h.pid))
	if err != nil {
		return nil, fntrace.Error(err)
	}

	var regions []fntrace.MemoryRegion
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}

		fields := mapsFieldSplit.Split(strings.TrimSpace(line), 6)
		if len(fields) < 1 {
			continue
		}

		addrRange := strings.SplitN(fields[0], "-", 2)
		if len(addrRange) != 2 {
			continue
		}

		start, err := strconv.ParseUint(addrRange[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrRange[1], 16, 64)
		if err != nil {
			continue
		}

		var filename string
		if len(fields) == 6 {
			filename = strings.TrimSpace(fields[5])
		}

		regions = append(regions, fntrace.MemoryRegion{
			Filename: filename,
			Start:    uintptr(start),
			Size:     end - start,
		})
	}

	return regions, nil
}
