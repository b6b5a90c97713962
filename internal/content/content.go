package content

import (
	"errors"
	"fmt"
	"html"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxMessageLength  = 1000
	MaxUsernameLength = 32
	MinPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	MaxPasswordBytes = 72
)

var (
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
)

var (
	policy        = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize strips all markup from the input and returns plain text.
// It is used for user inputs like usernames and messages.
func Sanitize(input string) string {
	return html.UnescapeString(policy.Sanitize(input))
}

// NormalizeMessage trims and sanitizes message text and checks its length.
func NormalizeMessage(text string) (string, error) {
	text = strings.TrimSpace(Sanitize(strings.TrimSpace(text)))
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return text, nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("username is longer than %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address %q", email)
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("password must be at most %d bytes", MaxPasswordBytes)
	}
	return nil
}
