package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MinPromptLength is the minimum number of characters after trimming.
	MinPromptLength = 3
	// MaxPromptLength is the maximum number of characters after trimming.
	MaxPromptLength = 1000
)

// NormalizePrompt trims and NFC-normalizes a prompt and enforces its bounds.
// Lengths are counted in characters, not bytes.
func NormalizePrompt(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", &ValidationError{Field: "prompt", Reason: "must be valid UTF-8"}
	}
	prompt := strings.TrimSpace(norm.NFC.String(raw))
	n := utf8.RuneCountInString(prompt)
	switch {
	case n < MinPromptLength:
		return "", &ValidationError{Field: "prompt", Reason: "must be at least 3 characters"}
	case n > MaxPromptLength:
		return "", &ValidationError{Field: "prompt", Reason: "must be at most 1000 characters"}
	}
	for _, r := range prompt {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return "", &ValidationError{Field: "prompt", Reason: "contains control characters"}
		}
	}
	return prompt, nil
}
