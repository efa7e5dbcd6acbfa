package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactAadhaar(t *testing.T) {
	out, changed := RedactPII("my aadhaar is 1234 5678 9012 thanks")
	if !changed || !strings.Contains(out, "[REDACTED_ID]") {
		t.Fatalf("aadhaar not redacted: %q", out)
	}
}

func TestRedactCleanTextUnchanged(t *testing.T) {
	in := "I have had a mild fever since yesterday evening."
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("clean text altered: %q", out)
	}
}
