package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/capitalize-ai/avatar-relay/internal/textutil"
)

const (
	maxMessageBytes   = 4000
	maxVisitorIDBytes = 64
)

// ValidateMessageContent validates a visitor message.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("message cannot be empty")
	}
	if len(content) > maxMessageBytes {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateVisitorID checks that id looks like an identifier this service issued.
func ValidateVisitorID(id string) error {
	if len(id) == 0 {
		return errors.New("visitor_id cannot be empty")
	}
	if len(id) > maxVisitorIDBytes {
		return errors.New("visitor_id exceeds maximum length")
	}
	if textutil.Alphanumeric(id) != id {
		return errors.New("visitor_id must be alphanumeric")
	}
	return nil
}

// ValidateAvatarOverride checks an optional avatar or voice ID.
func ValidateAvatarOverride(id string) error {
	if len(id) > 128 {
		return errors.New("avatar override exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("avatar override must be valid UTF-8")
	}
	return nil
}
