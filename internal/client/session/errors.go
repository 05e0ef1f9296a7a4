package session

import "errors"

var (
	ErrCreationFailed   = errors.New("session: creation failed")
	ErrAlreadyClaimed   = errors.New("session: someone else took this session")
	ErrSessionNotActive = errors.New("session: not active")
	ErrAuthExpired      = errors.New("session: authentication expired")
	ErrNoIdentity       = errors.New("session: identity not loaded")
	ErrNotAdvisor       = errors.New("session: only reverends can accept sessions")
	ErrEmptyMessage     = errors.New("session: message is empty")
)
