package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when there is no active identity.
	ErrAuth = errors.New("no active identity")
	// ErrNotFound is returned when a chat or profile is absent.
	ErrNotFound = errors.New("not found")
	// ErrParticipant is returned when the caller is not an active member of the chat.
	ErrParticipant = errors.New("not an active participant")
	// ErrPermission is returned when the caller may not mutate chat membership.
	ErrPermission = errors.New("permission denied")
	// ErrEncryption is returned when no key material is bound or a payload cannot be sealed.
	ErrEncryption = errors.New("encryption failed")
	// ErrPersistence is returned when a remote write failed.
	ErrPersistence = errors.New("remote persistence failed")
	// ErrStorage is returned when local cache I/O failed.
	ErrStorage = errors.New("local storage failed")
	// ErrStatusRegression is returned when a delivery status update would move backwards.
	ErrStatusRegression = errors.New("delivery status regression")
	// ErrRealtimeUnavailable is returned when no realtime bus is configured.
	ErrRealtimeUnavailable = errors.New("realtime bus unavailable")
	// ErrKeyConflict is returned when an identity already published a
	// different device key.
	ErrKeyConflict = errors.New("identity is bound to another device key")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// PersistenceError reports a failed remote write for a message. The message
// is queued for retry when this error is returned from a send.
type PersistenceError struct {
	MessageID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist message %s: %v", e.MessageID, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}
