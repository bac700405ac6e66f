package zarr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error kinds. Every error returned by this package is marked with exactly
// one of these and can be tested with errors.Is.
var (
	// ErrOutOfBounds is returned when a region exceeds the array extent.
	ErrOutOfBounds = errors.New("zarr: region out of bounds")
	// ErrInvalidConfig covers inconsistent ranks, bad chunk shapes, bad
	// codec settings and codec changes on an existing array.
	ErrInvalidConfig = errors.New("zarr: invalid configuration")
	// ErrNotFound is returned for missing metadata keys, missing arrays and
	// missing store keys.
	ErrNotFound = errors.New("zarr: not found")
	// ErrCorrupt is returned when stored bytes fail to decode.
	ErrCorrupt = errors.New("zarr: corrupt data")
	// ErrStorageFailure wraps failures of the backing store.
	ErrStorageFailure = errors.New("zarr: storage failure")
	// ErrBufferTooSmall is returned when a caller buffer cannot hold the result.
	ErrBufferTooSmall = errors.New("zarr: buffer too small")
	// ErrReadOnly is returned for mutations on an array opened with ModeRead.
	ErrReadOnly = errors.New("zarr: array is read-only")
	// ErrClosed is returned for any call on a closed array.
	ErrClosed = errors.New("zarr: array is closed")
)

// Code is the numeric error code exposed to bindings.
type Code int

const (
	CodeOK Code = iota
	CodeOutOfBounds
	CodeInvalidConfig
	CodeNotFound
	CodeCorrupt
	CodeStorageFailure
	CodeBufferTooSmall
	CodeReadOnly
	CodeClosed
	// CodeUnknown is reported for errors that carry no kind marker.
	CodeUnknown Code = -1
)

var codeKinds = []struct {
	kind error
	code Code
}{
	{ErrOutOfBounds, CodeOutOfBounds},
	{ErrInvalidConfig, CodeInvalidConfig},
	{ErrNotFound, CodeNotFound},
	{ErrCorrupt, CodeCorrupt},
	{ErrStorageFailure, CodeStorageFailure},
	{ErrBufferTooSmall, CodeBufferTooSmall},
	{ErrReadOnly, CodeReadOnly},
	{ErrClosed, CodeClosed},
}

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeOutOfBounds:
		return "out of bounds"
	case CodeInvalidConfig:
		return "invalid config"
	case CodeNotFound:
		return "not found"
	case CodeCorrupt:
		return "corrupt"
	case CodeStorageFailure:
		return "storage failure"
	case CodeBufferTooSmall:
		return "buffer too small"
	case CodeReadOnly:
		return "read only"
	case CodeClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// CodeOf returns the code of the first kind err is marked with.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, k := range codeKinds {
		if errors.Is(err, k.kind) {
			return k.code
		}
	}
	return CodeUnknown
}

// ErrorInfo is a flattened error record for callers that cannot hold Go
// error values, such as a C binding. The record owns its message until
// Clear is called.
type ErrorInfo struct {
	Message string
	Code    Code
}

// Describe flattens err into an ErrorInfo. A nil error gives the zero record.
func Describe(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{}
	}
	return ErrorInfo{Message: err.Error(), Code: CodeOf(err)}
}

// Set reports whether the record holds an error.
func (e *ErrorInfo) Set() bool { return e != nil && e.Code != CodeOK }

// Clear releases the message and resets the code.
func (e *ErrorInfo) Clear() {
	if e == nil {
		return
	}
	e.Message = ""
	e.Code = CodeOK
}

func invalidConfigf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidConfig)
}

func corruptf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorrupt)
}

func outOfBoundsf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrOutOfBounds)
}

func bufferTooSmallf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrBufferTooSmall)
}

// storageError marks a store failure. Missing keys keep their ErrNotFound
// marker so callers can still distinguish them.
func storageError(err error, op, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return errors.Wrapf(err, "%s %q", op, key)
	}
	return errors.Mark(errors.Wrapf(err, "%s %q", op, key), ErrStorageFailure)
}
