package hybrid

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationNotInitialized is returned for conversation ids the
	// manager has no state for.
	ErrConversationNotInitialized = errors.New("conversation not initialized")
	ErrInvalidMode                = errors.New("invalid mode")
)

// ValidationError reports one rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func notInitialized(conversationID string) error {
	return fmt.Errorf("%w: %s", ErrConversationNotInitialized, conversationID)
}
