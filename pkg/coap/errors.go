package coap

import "github.com/pkg/errors"

// Error kinds from spec §7. Every package in this module (message codec,
// endpoint, blockwise) reports failures through one of these sentinels so
// callers can type-switch with errors.Is instead of parsing strings.
var (
	ErrInternal           = errors.New("coap: internal error")
	ErrInvalidParameters  = errors.New("coap: invalid parameters")
	ErrNotSupported       = errors.New("coap: not supported")
	ErrNotEnoughData      = errors.New("coap: not enough data")
	ErrNotEnoughSpace     = errors.New("coap: not enough space")
	ErrOverflow           = errors.New("coap: overflow")
	ErrOutOfMemory        = errors.New("coap: out of memory")
	ErrOutOfResources     = errors.New("coap: out of resources")
	ErrOutOfRange         = errors.New("coap: out of range")
	ErrWouldBlock         = errors.New("coap: would block")
	ErrTimeout            = errors.New("coap: timeout")
	ErrNoSuchItem         = errors.New("coap: no such item")
	ErrInvalidSyntax      = errors.New("coap: invalid syntax")
	ErrInvalidFormat      = errors.New("coap: invalid format")
	ErrUnsupportedVersion = errors.New("coap: unsupported version")
	ErrSendFailure        = errors.New("coap: send failure")
	ErrInvalidResponse    = errors.New("coap: invalid response")
	ErrUnexpectedMessage  = errors.New("coap: unexpected message")
	ErrUnexpectedBlock    = errors.New("coap: unexpected block")
	ErrETagMismatch       = errors.New("coap: etag mismatch")
	ErrReset              = errors.New("coap: reset")
)
