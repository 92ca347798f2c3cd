package ca821x

import "errors"

// Device lifecycle and misuse errors.
var (
	// ErrAlreadyInitialised is returned by Init on a Device that is
	// already Open; re-init is rejected rather than silently reopened.
	ErrAlreadyInitialised = errors.New("ca821x: device already initialised")

	// ErrNotInitialised is returned by Reset, APIDownstream and
	// RegisterUserCallback on a Device that has never been opened or has
	// already been torn down.
	ErrNotInitialised = errors.New("ca821x: device not initialised")

	// ErrCallbackAlreadyRegistered is returned by RegisterUserCallback
	// when a callback is already installed.
	ErrCallbackAlreadyRegistered = errors.New("ca821x: user callback already registered")

	// ErrNoTransport is returned by Init when neither the kernel nor the
	// USB HID transport could be opened.
	ErrNoTransport = errors.New("ca821x: no CA821x transport available")

	// ErrResetNotSupported is returned by Reset on a USB HID device,
	// which exposes no reset line.
	ErrResetNotSupported = errors.New("ca821x: reset not supported on this transport")

	// ErrReplyTruncated is returned by APIDownstream when the
	// synchronous reply is larger than the caller's destination buffer.
	ErrReplyTruncated = errors.New("ca821x: synchronous reply truncated, destination buffer too small")
)
