package subscribers

import (
	"errors"
	"fmt"
)

// Repository errors.
var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrStorage            = errors.New("subscriber storage failure")
)

// Workflow errors.
var (
	ErrAlreadySubscribed = errors.New("email already subscribed")
	ErrNotFoundOrExpired = errors.New("confirmation link not found or expired")
	ErrMailTransport     = errors.New("mail transport failure")
)

// storageError marks err as a storage failure while keeping the cause for logs.
func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// mailError marks err as a mail transport failure for the given recipient.
func mailError(recipient string, err error) error {
	return fmt.Errorf("send to %s: %w: %w", recipient, ErrMailTransport, err)
}
