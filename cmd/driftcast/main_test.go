package main

import (
	"reflect"
	"testing"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestResolveInt(t *testing.T) {
	if got := resolveInt(5, "DRIFTCAST_TEST_UNSET"); got != 5 {
		t.Fatalf("flag value must win, got %d", got)
	}
	t.Setenv("DRIFTCAST_TEST_INT", "42")
	if got := resolveInt(0, "DRIFTCAST_TEST_INT"); got != 42 {
		t.Fatalf("env fallback = %d", got)
	}
	t.Setenv("DRIFTCAST_TEST_INT", "nope")
	if got := resolveInt(0, "DRIFTCAST_TEST_INT"); got != 0 {
		t.Fatalf("invalid env must yield zero, got %d", got)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, b ,,c ")
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Fatalf("empty input must yield nil")
	}
}

func TestParseResolutions(t *testing.T) {
	got, err := parseResolutions("0, 480,720")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(got, []int{0, 480, 720}) {
		t.Fatalf("parseResolutions = %v", got)
	}
	if _, err := parseResolutions("480,-1"); err == nil {
		t.Fatalf("negative resolution must be rejected")
	}
	if _, err := parseResolutions("480,hd"); err == nil {
		t.Fatalf("non-numeric resolution must be rejected")
	}
	got, err = parseResolutions("")
	if err != nil || got != nil {
		t.Fatalf("empty input = %v, %v", got, err)
	}
}
