package main

import "testing"

func TestKeepPredicateCombinationRule(t *testing.T) {
	only, ignore, err := compileFilters("^foo", "bar$")
	if err != nil {
		t.Fatalf("compileFilters: %v", err)
	}
	keep := keepPredicate(only, ignore)

	cases := []struct {
		name string
		want bool
	}{
		{"foobar", false}, // matches both: only ∧ ¬ignore is false
		{"foobaz", true},  // matches only, not ignore
		{"quxbar", false}, // matches ignore, not only
		{"quxqux", false}, // matches neither: only requires a match
	}
	for _, c := range cases {
		if got := keep(c.name); got != c.want {
			t.Errorf("keep(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestKeepPredicateOnlyAlone(t *testing.T) {
	only, ignore, err := compileFilters("^foo", "")
	if err != nil {
		t.Fatalf("compileFilters: %v", err)
	}
	keep := keepPredicate(only, ignore)

	if !keep("foobar") {
		t.Error("keep(\"foobar\") = false, want true (matches --only)")
	}
	if keep("barfoo") {
		t.Error("keep(\"barfoo\") = true, want false (doesn't match --only)")
	}
}

func TestKeepPredicateIgnoreAlone(t *testing.T) {
	only, ignore, err := compileFilters("", "^bar")
	if err != nil {
		t.Fatalf("compileFilters: %v", err)
	}
	keep := keepPredicate(only, ignore)

	if keep("barfoo") {
		t.Error("keep(\"barfoo\") = true, want false (matches --ignore)")
	}
	if !keep("foobar") {
		t.Error("keep(\"foobar\") = false, want true (doesn't match --ignore)")
	}
}

func TestKeepPredicateNeitherFilterKeepsEverything(t *testing.T) {
	only, ignore, err := compileFilters("", "")
	if err != nil {
		t.Fatalf("compileFilters: %v", err)
	}
	keep := keepPredicate(only, ignore)

	for _, name := range []string{"anything", "", "main.foo"} {
		if !keep(name) {
			t.Errorf("keep(%q) = false, want true with no filters set", name)
		}
	}
}

func TestCompileFiltersRejectsInvalidRegex(t *testing.T) {
	if _, _, err := compileFilters("(unterminated", ""); err == nil {
		t.Error("compileFilters with invalid --only regex: want error, got nil")
	}
	if _, _, err := compileFilters("", "(unterminated"); err == nil {
		t.Error("compileFilters with invalid --ignore regex: want error, got nil")
	}
}

func TestCompileFiltersEmptyStringsYieldNilRegexps(t *testing.T) {
	only, ignore, err := compileFilters("", "")
	if err != nil {
		t.Fatalf("compileFilters: %v", err)
	}
	if only != nil || ignore != nil {
		t.Errorf("compileFilters(\"\", \"\") = (%v, %v), want (nil, nil)", only, ignore)
	}
}

func TestDemangleNamePassesThroughUnmangledNames(t *testing.T) {
	if got := demangleName("main"); got != "main" {
		t.Errorf("demangleName(%q) = %q, want unchanged", "main", got)
	}
}

func TestDemangleNameItanium(t *testing.T) {
	// _Z3foov is the Itanium mangling of "void foo()".
	got := demangleName("_Z3foov")
	if got != "foo()" {
		t.Errorf("demangleName(_Z3foov) = %q, want %q", got, "foo()")
	}
}
