package protocol

import "errors"

var (
	ErrMalformedMessage     = errors.New("protocol: malformed message")
	ErrUncorrelatedResponse = errors.New("protocol: uncorrelated response")
	ErrUnsupportedMessage   = errors.New("protocol: unsupported message")
	ErrUnknownKind          = errors.New("protocol: unknown request kind")
	ErrRequestIDRequired    = errors.New("protocol: request_id required")
)
