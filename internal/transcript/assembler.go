package transcript

import (
	"math"
	"strings"
	"time"
	"unicode"
)

// DefaultPrefixRatio is the share of the previous partial that a refinement
// must re-contain to be treated as cumulative rather than a new segment.
const DefaultPrefixRatio = 0.6

// DefaultFinalDedupeWindow drops a repeated identical final arriving within
// this window of the previous one.
const DefaultFinalDedupeWindow = 3 * time.Second

// Assembler merges streaming STT partials for one utterance into a cumulative
// caption. Providers differ in whether successive partials are refinements of
// the same span or brand new segments; the assembler decides per partial.
type Assembler struct {
	prefixRatio float64
	parts       []string
}

func NewAssembler(prefixRatio float64) *Assembler {
	if prefixRatio <= 0 || prefixRatio > 1 {
		prefixRatio = DefaultPrefixRatio
	}
	return &Assembler{prefixRatio: prefixRatio}
}

// AddPartial folds one partial into the caption and returns the new caption.
func (a *Assembler) AddPartial(text string) string {
	text = collapseSpace(text)
	if text == "" {
		return a.Caption()
	}
	if len(a.parts) == 0 {
		a.parts = append(a.parts, text)
		return a.Caption()
	}

	last := a.parts[len(a.parts)-1]
	if a.isCumulative(last, text) {
		a.parts[len(a.parts)-1] = text
		return a.Caption()
	}

	// Tail-overlap dedupe: a repeated or swallowed segment is not appended.
	if strings.HasSuffix(last, text) || strings.HasSuffix(text, last) {
		return a.Caption()
	}
	a.parts = append(a.parts, text)
	return a.Caption()
}

func (a *Assembler) isCumulative(last, next string) bool {
	lastRunes := []rune(last)
	if len([]rune(next)) < len(lastRunes) {
		return false
	}
	if strings.HasPrefix(next, last) {
		return true
	}
	keep := int(math.Ceil(a.prefixRatio * float64(len(lastRunes))))
	if keep <= 0 {
		return false
	}
	return strings.Contains(next, string(lastRunes[:keep]))
}

// Caption returns the space-joined caption of all parts.
func (a *Assembler) Caption() string {
	return collapseSpace(strings.Join(a.parts, " "))
}

// Parts returns the number of segments currently held.
func (a *Assembler) Parts() int { return len(a.parts) }

// Reset clears state for the next utterance.
func (a *Assembler) Reset() { a.parts = nil }

// SelectFinal picks between the provider's final and the joined partials:
// higher word count wins, ties broken by the longer string.
func SelectFinal(candidateFinal, candidateJoined string) string {
	f := collapseSpace(candidateFinal)
	j := collapseSpace(candidateJoined)
	fw, jw := len(strings.Fields(f)), len(strings.Fields(j))
	if fw != jw {
		if fw > jw {
			return f
		}
		return j
	}
	if len([]rune(f)) >= len([]rune(j)) {
		return f
	}
	return j
}

// FinalDeduper enforces the at-most-one-final invariant across a session.
// State survives utterance resets: an identical normalized final within the
// window is a duplicate even if the provider opened a new logical utterance.
type FinalDeduper struct {
	window   time.Duration
	lastNorm string
	lastAt   time.Time
}

func NewFinalDeduper(window time.Duration) *FinalDeduper {
	if window <= 0 {
		window = DefaultFinalDedupeWindow
	}
	return &FinalDeduper{window: window}
}

// Admit reports whether the final should be surfaced, recording it if so.
func (d *FinalDeduper) Admit(text string, now time.Time) bool {
	norm := Normalize(text)
	if norm == "" {
		return false
	}
	if norm == d.lastNorm && !d.lastAt.IsZero() && now.Sub(d.lastAt) < d.window {
		return false
	}
	d.lastNorm = norm
	d.lastAt = now
	return true
}

// Normalize lowercases and collapses whitespace for dedupe comparison.
func Normalize(text string) string {
	return strings.ToLower(collapseSpace(text))
}

func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := true
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		b.WriteRune(r)
		prevSpace = false
	}
	return strings.TrimRight(b.String(), " ")
}
