package transcript

import (
	"testing"
	"time"
)

func TestCumulativeRefinement(t *testing.T) {
	a := NewAssembler(0)
	for _, p := range []string{"he", "hel", "hello"} {
		a.AddPartial(p)
	}
	if got := a.Caption(); got != "hello" {
		t.Fatalf("Caption() = %q, want %q", got, "hello")
	}
	if a.Parts() != 1 {
		t.Fatalf("Parts() = %d, want 1", a.Parts())
	}
}

func TestNewSegmentAppended(t *testing.T) {
	a := NewAssembler(0)
	a.AddPartial("hello")
	a.AddPartial("world")
	if got := a.Caption(); got != "hello world" {
		t.Fatalf("Caption() = %q, want %q", got, "hello world")
	}
	if a.Parts() != 2 {
		t.Fatalf("Parts() = %d, want 2", a.Parts())
	}
}

func TestTailOverlapDeduped(t *testing.T) {
	a := NewAssembler(0)
	a.AddPartial("hello wor")
	a.AddPartial("hello world")
	if got := a.Caption(); got != "hello world" {
		t.Fatalf("Caption() = %q, want %q", got, "hello world")
	}
	if a.Parts() != 1 {
		t.Fatalf("Parts() = %d, want 1", a.Parts())
	}
}

func TestRepeatedSegmentNotAppended(t *testing.T) {
	a := NewAssembler(0)
	a.AddPartial("thanks doctor")
	a.AddPartial("doctor")
	if got := a.Caption(); got != "thanks doctor" {
		t.Fatalf("Caption() = %q, want %q", got, "thanks doctor")
	}
	if a.Parts() != 1 {
		t.Fatalf("Parts() = %d, want 1", a.Parts())
	}
}

func TestPrefixRatioMatchMidString(t *testing.T) {
	// Provider rewrote the head slightly; 60% of the previous partial still
	// appears inside the refinement, so it replaces rather than appends.
	a := NewAssembler(0.6)
	a.AddPartial("mujhe bukhar")
	a.AddPartial("haan mujhe bukhar hai")
	if a.Parts() != 1 {
		t.Fatalf("Parts() = %d, want 1 (cumulative)", a.Parts())
	}
	if got := a.Caption(); got != "haan mujhe bukhar hai" {
		t.Fatalf("Caption() = %q", got)
	}
}

func TestWhitespaceCollapsed(t *testing.T) {
	a := NewAssembler(0)
	a.AddPartial("  hello   there ")
	if got := a.Caption(); got != "hello there" {
		t.Fatalf("Caption() = %q, want %q", got, "hello there")
	}
}

func TestResetClearsParts(t *testing.T) {
	a := NewAssembler(0)
	a.AddPartial("first utterance")
	a.Reset()
	if a.Parts() != 0 || a.Caption() != "" {
		t.Fatalf("Reset() left state: parts=%d caption=%q", a.Parts(), a.Caption())
	}
}

func TestSelectFinalMoreWordsWins(t *testing.T) {
	if got := SelectFinal("hi", "hi there"); got != "hi there" {
		t.Fatalf("SelectFinal() = %q, want %q", got, "hi there")
	}
	if got := SelectFinal("hello doctor please", "hi"); got != "hello doctor please" {
		t.Fatalf("SelectFinal() = %q, want candidate final", got)
	}
}

func TestSelectFinalTieBrokenByLength(t *testing.T) {
	if got := SelectFinal("hello doc", "hello doctor"); got != "hello doctor" {
		t.Fatalf("SelectFinal() = %q, want longer string on word tie", got)
	}
}

func TestFinalDedupeWithinWindow(t *testing.T) {
	d := NewFinalDeduper(3 * time.Second)
	base := time.Now()
	if !d.Admit("thanks", base) {
		t.Fatalf("first final should be admitted")
	}
	if d.Admit("Thanks", base.Add(500*time.Millisecond)) {
		t.Fatalf("identical normalized final within window should be dropped")
	}
	if !d.Admit("thanks", base.Add(3500*time.Millisecond)) {
		t.Fatalf("final beyond window should be admitted")
	}
}

func TestFinalDedupeDifferentTextAdmitted(t *testing.T) {
	d := NewFinalDeduper(3 * time.Second)
	base := time.Now()
	if !d.Admit("thanks", base) {
		t.Fatalf("first final should be admitted")
	}
	if !d.Admit("thanks a lot", base.Add(200*time.Millisecond)) {
		t.Fatalf("different final should be admitted")
	}
}
