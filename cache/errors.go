package cache

import "errors"

var (
	// ErrUnsupportedSource is stored for a key whose LoadFunc returned a value
	// that is neither an Observable nor a Thenable.
	ErrUnsupportedSource = errors.New("cache: load function returned an unsupported source")

	// ErrAlreadySettled is the panic value raised when a result is settled twice.
	ErrAlreadySettled = errors.New("cache: result already settled")

	// ErrCompletedEmpty is stored when an Observable completes before delivering a value.
	ErrCompletedEmpty = errors.New("cache: source completed without a value")

	// ErrLoadPanic wraps a panic raised by a LoadFunc or a Subscribe call.
	ErrLoadPanic = errors.New("cache: load panicked")

	// ErrCallbackPanic wraps a panic raised by user code the cache invoked
	// (unsubscribe, resume, change notification, host publish).
	ErrCallbackPanic = errors.New("cache: callback panicked")
)
