// Package reloc implements AddressRelocator (spec.md §4.6): rewriting
// link-time addresses discovered from debug info or disassembly into
// load-time addresses using the tracee's /proc/<pid>/maps, plus the
// shared-library discovery feature supplement grounded on the teacher's
// (now-retired) sharedlib.go.
package reloc

import (
	"path/filepath"
	"strings"

	"github.com/aeyk/fntrace"
	"github.com/aeyk/fntrace/objfile"
)

// MapsReader is the narrow capability this package needs from a running
// tracee: its memory map (spec.md §4.6 step 1).
type MapsReader interface {
	MemoryMaps() ([]fntrace.MemoryRegion, error)
}

// NeedsRelocation reports whether a binary of the given kind carries
// link-time addresses that must be rebased before they mean anything in
// the tracee's address space (spec.md §4.6: "classified as relocatable if
// its ELF kind is Dynamic or Relocatable").
func NeedsRelocation(kind objfile.Kind) bool {
	return kind == objfile.KindDynamic || kind == objfile.KindRelocatable
}

// BaseAddress finds the tracee's base region for execPath: among the
// memory regions backed by the canonicalized executable path, the one
// with the smallest start address (spec.md §4.6 step 2).
func BaseAddress(proc MapsReader, execPath string) (uintptr, error) {
	canon, err := filepath.Abs(execPath)
	if err != nil {
		return 0, fntrace.Error(err)
	}
	if resolved, err := filepath.EvalSymlinks(canon); err == nil {
		canon = resolved
	}

	regions, err := proc.MemoryMaps()
	if err != nil {
		return 0, fntrace.Error(err)
	}

	found := false
	var base uintptr

	for _, r := range regions {
		if r.Filename != canon {
			continue
		}
		if !found || r.Start < base {
			base = r.Start
			found = true
		}
	}

	if !found {
		return 0, fntrace.Errorf("no base memory region found for %s", canon)
	}
	return base, nil
}

// Relocate rewrites every function's Address (and PrologueEndAddr, if set)
// by adding base in place (spec.md §4.6 step 3). Functions are value
// types, so the slice is rewritten through its indices.
func Relocate(functions []fntrace.Function, base uintptr) {
	for i := range functions {
		functions[i].Address += base
		if functions[i].PrologueEndAddr != nil {
			relocated := *functions[i].PrologueEndAddr + base
			functions[i].PrologueEndAddr = &relocated
		}
	}
}

// SharedLibrary is a loaded .so mapping and the static base its own
// symbols/DWARF addresses must be relocated by (feature supplement #1).
type SharedLibrary struct {
	Path       string
	StaticBase uintptr
}

// SharedLibraries returns every distinct ".so"-suffixed mapping in the
// tracee's memory map, each paired with its lowest mapped address,
// grounded on the teacher's Process.SharedLibs.
func SharedLibraries(proc MapsReader) ([]SharedLibrary, error) {
	regions, err := proc.MemoryMaps()
	if err != nil {
		return nil, fntrace.Error(err)
	}

	bases := make(map[string]uintptr)
	var order []string

	for _, r := range regions {
		if r.Filename == "" || !hasVersionedSOSuffix(r.Filename) {
			continue
		}

		if base, ok := bases[r.Filename]; !ok || r.Start < base {
			if !ok {
				order = append(order, r.Filename)
			}
			bases[r.Filename] = r.Start
		}
	}

	libs := make([]SharedLibrary, 0, len(order))
	for _, name := range order {
		libs = append(libs, SharedLibrary{Path: name, StaticBase: bases[name]})
	}
	return libs, nil
}

// hasVersionedSOSuffix matches names like "libc.so.6", not just a bare
// ".so" suffix, since glibc's own shared objects are version-suffixed.
func hasVersionedSOSuffix(name string) bool {
	idx := strings.Index(name, ".so")
	return idx >= 0 && idx+3 <= len(name) && (idx+3 == len(name) || name[idx+3] == '.')
}
