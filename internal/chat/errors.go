package chat

import (
	"errors"
	"fmt"
)

var (
	ErrClosed     = errors.New("chat: conversation closed")
	ErrEmptyBody  = errors.New("chat: message body is empty")
	ErrInvalidKey = errors.New("chat: conversation key needs a counterpart")
)

// FetchError reports a failed history load. Calling LoadHistory again retries.
type FetchError struct {
	Key Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("chat: load history for %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SendError reports an optimistic message the transport did not accept. The
// message stays in the list with StatusFailed.
type SendError struct {
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("chat: send %s: %v", e.MessageID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
