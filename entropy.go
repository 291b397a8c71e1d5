package webguard

import (
	"math"
	"strings"
)

// encodingMarkers are the evasion indicators counted by the complexity
// analyzer. Percent-encoded angle brackets and HTML entities show up when a
// payload has been wrapped to slip past naive filters.
var encodingMarkers = []string{"%20", "%3c", "%3e", "%2e", "&#", "&lt;", "&gt;"}

// ShannonEntropy computes the Shannon entropy of text over its byte
// frequency distribution, in bits per byte. Deterministic for identical
// input; returns 0 for empty text.
func ShannonEntropy(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(text); i++ {
		freq[text[i]]++
	}
	total := float64(len(text))
	entropy := 0.0
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// ComplexityMultiplier scores how structurally suspicious a payload looks.
// It combines entropy threshold crossing, special-character density,
// encoding markers and raw length into a multiplier clamped to
// [1.0, maxComplexityMultiplier], so it amplifies a risk score but can
// never zero it out.
func ComplexityMultiplier(text string, entropyThreshold float64) float64 {
	if text == "" {
		return 1.0
	}
	multiplier := 1.0

	if ShannonEntropy(text) > entropyThreshold {
		multiplier += 0.5
	}

	switch {
	case len(text) > 1000:
		multiplier += 0.5
	case len(text) > 500:
		multiplier += 0.2
	}

	special := 0
	for _, r := range text {
		if !isAlphanumeric(r) && r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			special++
		}
	}
	if float64(special)/float64(len(text)) > 0.3 {
		multiplier += 0.3
	}

	lower := strings.ToLower(text)
	for _, marker := range encodingMarkers {
		if strings.Contains(lower, marker) {
			multiplier += 0.1
		}
	}

	return clamp(multiplier, 1.0, maxComplexityMultiplier)
}

const maxComplexityMultiplier = 3.0

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
