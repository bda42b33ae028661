package wire

import "errors"

var (
	ErrInvalidParameters = errors.New("wire: invalid parameters")
	ErrInvalidState      = errors.New("wire: invalid state")
	ErrBufferTooSmall    = errors.New("wire: buffer too small")
	ErrNotFound          = errors.New("wire: metadata key not found")
	ErrKeyTooLong        = errors.New("wire: metadata key too long")
	ErrShortHeader       = errors.New("wire: short packet header")
	ErrTruncated         = errors.New("wire: truncated packet")
	ErrPayloadTooLarge   = errors.New("wire: payload too large")
	ErrMetadataTooLarge  = errors.New("wire: metadata block too large")
	ErrChecksumMismatch  = errors.New("wire: payload checksum mismatch")
)
