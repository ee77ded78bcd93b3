package cassette

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Send and Collect after Close.
var ErrClosed = errors.New("cassette is closed")

// ErrNotReq is returned by Collect when the message is not a REQ.
var ErrNotReq = errors.New("collect requires a REQ message")

// InvalidCassetteError occurs when a module cannot be loaded as a cassette:
// unreadable, not valid Wasm, missing a required export, or exporting an ABI
// function with the wrong signature.
type InvalidCassetteError struct {
	Path string
	Err  error
}

func (e *InvalidCassetteError) Error() string {
	return fmt.Sprintf("invalid cassette '%s': %v", e.Path, e.Err)
}

func (e *InvalidCassetteError) Unwrap() error {
	return e.Err
}

// MalformedMessageError describes a guest reply line that was dropped.
// It is only ever logged.
type MalformedMessageError struct {
	Line   string
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message %q: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed message %q: %s", e.Line, e.Reason)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}
