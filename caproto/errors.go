package caproto

import "errors"

var (
	// ErrHeaderTruncated indicates that a buffer ends before the complete message header.
	ErrHeaderTruncated = errors.New("message header truncated")

	// ErrPayloadTruncated indicates that a buffer ends before the declared payload size.
	ErrPayloadTruncated = errors.New("message payload truncated")

	// ErrExceptionTruncated indicates an ERROR message without a complete embedded request header.
	ErrExceptionTruncated = errors.New("exception message lacks the original request header")
)
