package exchange

import "errors"

var (
	// ErrAlreadyRegistered is returned by Device.RegisterUserCallback when
	// a callback is already installed; re-registration is rejected rather
	// than silently overwritten.
	ErrAlreadyRegistered = errors.New("exchange: user callback already registered")

	// ErrReplyTruncated is returned by Device.Downstream when the
	// synchronous reply is longer than the caller's destination buffer;
	// the frame is dropped rather than partially copied.
	ErrReplyTruncated = errors.New("exchange: synchronous reply truncated, destination buffer too small")

	// ErrClosed is returned by Device.Downstream and Device.Reset after
	// Close has run.
	ErrClosed = errors.New("exchange: device closed")

	// ErrAlreadyOpen mirrors the "already initialised" sentinel of the
	// original C API. Nothing in this package returns it: Open builds a
	// fresh Device on every call.
	ErrAlreadyOpen = errors.New("exchange: device already open")
)
