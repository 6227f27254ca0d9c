package delivery

import "errors"

var (
	ErrNotFound          = errors.New("delivery not found")
	ErrClaimLost         = errors.New("delivery claimed by another worker")
	ErrInvalidStatus     = errors.New("invalid delivery status")
	ErrInvalidTransition = errors.New("invalid delivery status transition")
	ErrEndpointNotFound  = errors.New("endpoint not found")
	ErrEventNotFound     = errors.New("event not found")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrInvalidCursor     = errors.New("invalid cursor")
)
