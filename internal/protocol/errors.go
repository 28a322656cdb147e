package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTag    = errors.New("unknown message tag")
	ErrTruncated     = errors.New("truncated payload")
	ErrBadLength     = errors.New("malformed length prefix")
	ErrOutOfRange    = errors.New("field value out of range")
	ErrInvalidUTF8   = errors.New("string is not valid utf-8")
	ErrTrailingBytes = errors.New("trailing bytes after message")

	// ErrInvalidMessage is returned by the encoders for values that would
	// break a wire invariant, such as a verbose result with zero transcripts
	// that still carries a transcript.
	ErrInvalidMessage = errors.New("invalid message")
)

// DecodeError reports where and why a frame could not be decoded.
type DecodeError struct {
	Tag    byte
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode tag 0x%02x at offset %d: %v", e.Tag, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
