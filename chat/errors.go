package chat

import "errors"

var (
	// ErrNicknameTaken indicates another live session already holds
	// the nickname
	ErrNicknameTaken = errors.New("nickname already in use")

	// ErrNotFound indicates no live session holds the nickname
	ErrNotFound = errors.New("no such session")

	// ErrPermissionDenied indicates a non-operator attempted a
	// privileged command
	ErrPermissionDenied = errors.New("permission denied")
)
