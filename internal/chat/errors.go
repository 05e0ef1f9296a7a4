package chat

import "errors"

var (
	ErrSessionNotFound  = errors.New("chat session not found")
	ErrAlreadyClaimed   = errors.New("chat session already accepted")
	ErrSessionNotActive = errors.New("chat session not active")
	ErrNotParticipant   = errors.New("not a participant of this chat session")
	ErrNotAdvisor       = errors.New("only reverends can do this")
	ErrInvalidCategory  = errors.New("invalid category")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrMessageTooLong   = errors.New("message too long")
	ErrMediaDisabled    = errors.New("live audio is not configured")
	ErrMediaUIDRange    = errors.New("user id does not fit a media uid")
)
