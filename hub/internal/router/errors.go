package router

import (
	"errors"

	"github.com/amurg-ai/relay/hub/internal/membership"
	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	// ErrInvalidMessage rejects a message before anything is persisted: empty
	// or oversized text, no destination, or a sender that is not registered.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrResolution means the destination could not be classified. Nothing
	// was persisted or delivered.
	ErrResolution = membership.ErrResolution
	// ErrPersistence means the history append failed. Nothing was delivered.
	ErrPersistence = errors.New("message not persisted")
)

// Code maps a Route error to its wire error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return protocol.CodeInvalidMessage
	case errors.Is(err, ErrResolution):
		return protocol.CodeResolutionFailed
	case errors.Is(err, ErrPersistence):
		return protocol.CodePersistFailed
	default:
		return protocol.CodeInternal
	}
}
