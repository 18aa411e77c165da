package common

import "errors"

var (
	// ErrChannelClosed is returned when a response channel is closed
	// before a protocol reply arrives.
	ErrChannelClosed = errors.New("channel closed")

	// ErrTargetCrashed is returned for calls made on a session whose
	// target has crashed.
	ErrTargetCrashed = errors.New("target crashed")
)
