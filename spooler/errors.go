package spooler

import (
	"errors"

	"logvault/parser"
)

var (
	ErrUnreadableInput   = parser.ErrUnreadableInput
	ErrUnsupportedFormat = parser.ErrUnsupportedFormat

	// ErrWriteFailure wraps storage errors from batch writes.
	ErrWriteFailure      = errors.New("write failure")
	ErrInvalidTransition = errors.New("invalid manifest transition")
	ErrEntryNotFound     = errors.New("manifest entry not found")
	ErrEventNotFound     = errors.New("event not found")
)
