package llm

import "strings"

// DeltaCollector coalesces small streamed deltas into phrase-sized chunks so
// TTS does not receive a firehose of token-sized fragments. A chunk is cut at
// the first boundary rune (. ! ? ,) seen after minChars, or flushed whole when
// the stream ends.
type DeltaCollector struct {
	minChars int

	pending string
	emitted string
}

const defaultStreamMinChars = 8

func NewDeltaCollector(minChars int) *DeltaCollector {
	if minChars <= 0 {
		minChars = defaultStreamMinChars
	}
	return &DeltaCollector{minChars: minChars}
}

// Consume appends a streamed delta and returns any chunks ready for speech.
func (c *DeltaCollector) Consume(delta string) []string {
	if delta == "" {
		return nil
	}
	c.pending += delta
	return c.flush(false)
}

// Finalize flushes whatever is still buffered, boundary or not.
func (c *DeltaCollector) Finalize() []string {
	return c.flush(true)
}

// Emitted returns the concatenation of everything released so far.
func (c *DeltaCollector) Emitted() string { return c.emitted }

func (c *DeltaCollector) flush(force bool) []string {
	var out []string
	for {
		segment, rest, ok := nextStreamSegment(c.pending, c.minChars, force)
		if !ok {
			break
		}
		c.pending = rest
		if c.emitted == "" && len(out) == 0 {
			segment = strings.TrimLeft(segment, " \t\r\n")
		}
		if strings.TrimSpace(segment) == "" {
			continue
		}
		out = append(out, segment)
		c.emitted += segment
	}
	return out
}

func nextStreamSegment(input string, minChars int, force bool) (segment, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if idx := boundaryAfterMin(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	if force {
		return input, "", true
	}
	// Long runs without punctuation still get flushed so speech keeps flowing.
	if len(input) >= minChars*8 {
		cut := whitespaceCut(input, minChars*4)
		return input[:cut], input[cut:], true
	}
	return "", input, false
}

func boundaryAfterMin(input string, minChars int) int {
	if minChars < 1 {
		minChars = 1
	}
	for i := minChars - 1; i < len(input); i++ {
		switch input[i] {
		case '.', '!', '?', ',', '\n':
			return i
		}
	}
	return -1
}

func whitespaceCut(input string, minChars int) int {
	if minChars < 1 {
		minChars = 1
	}
	if len(input) <= minChars {
		return len(input)
	}
	limit := minChars + 24
	if limit > len(input) {
		limit = len(input)
	}
	for i := minChars; i < limit; i++ {
		switch input[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	return minChars
}
