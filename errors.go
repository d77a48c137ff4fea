package objstream

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrBadHeader  = ErrCorrupt{"bad header: not an object stream"}
	ErrBadVersion = ErrCorrupt{"unsupported stream version"}

	ErrNotActive     = errors.New("objstream: not inside a custom read or write hook")
	ErrResetActive   = errors.New("objstream: reset while an object is being written")
	ErrDepthExceeded = errors.New("objstream: object graph nested too deeply")
	ErrStringTooLong = errors.New("objstream: encoded string longer than 65535 bytes")
	ErrStreamBroken  = errors.New("objstream: stream unusable after an earlier fault")
	ErrNilValidation = errors.New("objstream: nil validation callback")

	ErrTooLarge        = errors.New("objstream: document too large to be compressed")
	ErrUnknownEnvelope = errors.New("objstream: unknown compression envelope")
	ErrNotPointer      = errors.New("objstream: expected non-nil pointer")
)

// ErrCorrupt is returned when the stream violates the wire format. It is
// fatal to the stream.
type ErrCorrupt struct{ Err string }

func (c ErrCorrupt) Error() string { return "objstream: stream corrupted: " + c.Err }

// internal constants used for corrupt
var (
	errBadTag          = "unknown type code"
	errBadHandle       = "reference to object never serialized"
	errNegativeBlock   = "negative block data length"
	errResetNested     = "reset record inside an object"
	errUnexpectedEnd   = "unexpected end of block data"
	errUnexpectedBlock = "unexpected block data"
	errNullClass       = "null class descriptor"
	errBadLength       = "bad array length"
	errBadStringLength = "bad string length"
	errBadUTF          = "malformed modified UTF-8"
	errNotDescriptor   = "expected class descriptor"
	errNotString       = "expected string"
)

// ErrInvalidClass reports a local type that cannot be bound to, or used
// with, a class descriptor.
type ErrInvalidClass struct {
	Class string
	Err   string
}

func (e ErrInvalidClass) Error() string {
	if e.Class == "" {
		return "objstream: invalid class: " + e.Err
	}
	return "objstream: invalid class " + e.Class + ": " + e.Err
}

// ErrClassNotFound is returned when a class named in the stream has no
// local equivalent and the caller needed one.
type ErrClassNotFound struct{ Class string }

func (e ErrClassNotFound) Error() string { return "objstream: class not found: " + e.Class }

// ErrOptionalData is returned by ReadObject from inside a hook when the
// next item is primitive data rather than an object. It is not fatal.
// EOF is set when the hook's custom data is exhausted.
type ErrOptionalData struct {
	Length int
	EOF    bool
}

func (e *ErrOptionalData) Error() string {
	if e.EOF {
		return "objstream: optional data: end of custom data"
	}
	return fmt.Sprintf("objstream: optional data: %d bytes of primitive data", e.Length)
}

// ErrNotSerializable is returned when a value to be written has no
// serialization capability.
type ErrNotSerializable struct{ Type string }

func (e ErrNotSerializable) Error() string { return "objstream: not serializable: " + e.Type }

// ErrWriteAborted is returned when the peer aborted a write and sent its
// fault in an exception record.
type ErrWriteAborted struct{ Cause error }

func (e ErrWriteAborted) Error() string {
	return "objstream: writing aborted by peer: " + e.Cause.Error()
}

func (e ErrWriteAborted) Unwrap() error { return e.Cause }

// ErrInvalidObject is returned by validation callbacks and by hooks that
// reject a decoded object.
type ErrInvalidObject struct{ Err string }

func (e ErrInvalidObject) Error() string { return "objstream: invalid object: " + e.Err }
