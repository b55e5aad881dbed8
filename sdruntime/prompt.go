package sdruntime

import (
	"fmt"
	"strings"
)

// ValidatePrompt rejects empty prompts, NUL bytes and oversize input.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	}
	if strings.ContainsRune(prompt, '\x00') {
		return fmt.Errorf("%w: prompt contains null bytes", ErrInvalidPrompt)
	}
	if len(prompt) > MaxPromptLength {
		return fmt.Errorf("%w: prompt length %d exceeds maximum %d",
			ErrInvalidPrompt, len(prompt), MaxPromptLength)
	}
	return nil
}

// SanitizePrompt trims whitespace and folds newlines to spaces so the
// prompt stays a single argv entry on every platform.
func SanitizePrompt(prompt string) string {
	prompt = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(prompt)
	return strings.TrimSpace(prompt)
}
