package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 16384 // 16KB of UTF-8
	MaxBodyChars = 4000
)

var ErrEmptyBody = errors.New("chat: message body is empty")

// ValidateBody checks that a direct or trip message body can be stored and
// relayed.
func ValidateBody(text string) error {
	if text == "" {
		return ErrEmptyBody
	}
	if len(text) > MaxBodyBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxBodyBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxBodyChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxBodyChars)
	}
	return nil
}
