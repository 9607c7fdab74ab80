package framenet

import "errors"

// Error codes returned by failures dealing with frames, connections or the
// registry.
var (
	ErrInvalidAddress    = errors.New("address is not an IP literal")
	ErrConnectTimeout    = errors.New("connect timed out")
	ErrConnectRefused    = errors.New("connect refused")
	ErrMalformedHeader   = errors.New("malformed frame header")
	ErrValueOverflow     = errors.New("value exceeds header field width")
	ErrFrameTooLarge     = errors.New("frame body too large")
	ErrNotConnected      = errors.New("connection closed")
	ErrUnknownClient     = errors.New("unknown client")
	ErrDuplicateName     = errors.New("name already registered")
	ErrDuplicateProtocol = errors.New("protocol already registered")
	ErrEmptyName         = errors.New("empty name")
	ErrEmptyAddress      = errors.New("empty address")
	ErrNotFound          = errors.New("not found")
	ErrServerClosed      = errors.New("server has been closed")
)
