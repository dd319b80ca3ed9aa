package stt

import (
	"strings"
	"unicode"
)

// NormalizeTranscript rejects the non-speech artifacts recognition models
// emit over silence and ambient noise. It returns the transcript trimmed,
// or an empty string when nothing worth keeping remains.
func NormalizeTranscript(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}

	// Sound-event annotations like "[Music]" or "(applause)".
	if isAnnotation(trimmed, '[', ']') || isAnnotation(trimmed, '(', ')') {
		return ""
	}

	letters := 0
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			letters++
		}
	}
	// Pure punctuation or music notes, and single-character artifacts
	// like a lone "a" or ".", carry no usable speech.
	if letters < 2 {
		return ""
	}

	return trimmed
}

func isAnnotation(text string, open, close rune) bool {
	runes := []rune(text)
	return len(runes) >= 2 && runes[0] == open && runes[len(runes)-1] == close
}
