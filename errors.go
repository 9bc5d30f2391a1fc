package btforensics

import "errors"

var (
	// ErrFormat indicates that the metadata does not contain a pieces field and is not torrent-like.
	ErrFormat = errors.New("format error")

	// ErrParse indicates that the metadata dictionary could not be decoded after the pieces field was removed.
	ErrParse = errors.New("parse error")

	// ErrIO indicates that a declared path is missing or unreadable.
	ErrIO = errors.New("io error")

	// ErrInsufficientData indicates that none of the declared files could be found.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrInvalidArgument indicates empty content, empty hashes, a non-positive piece length or malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMismatch indicates that the number of content pieces differs from the number of declared hashes.
	ErrMismatch = errors.New("piece count mismatch")

	// ErrTaskStillRunning indicates that an attempted operation on a task failed because the task is still running.
	ErrTaskStillRunning = errors.New("task is still running")
)
