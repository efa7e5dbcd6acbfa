package audio

import "math"

// Level255 computes the RMS level of PCM16LE mono samples on a 0..255 scale.
// The VAD thresholds are expressed on this scale.
func Level255(pcm []byte) int {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	level := int(math.Round(rms / 32768.0 * 255.0))
	if level > 255 {
		level = 255
	}
	return level
}

// SynthesizeTone generates n samples of a PCM16LE sine tone, handy for tests
// and the probe client.
func SynthesizeTone(n int, sampleRate int, freqHz float64, amplitude float64) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if amplitude < 0 {
		amplitude = 0
	}
	if amplitude > 1 {
		amplitude = 1
	}
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		s := int16(v * 32767)
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
