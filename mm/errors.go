package mm

import (
	"errors"
	"fmt"
)

var (
	// ErrSizeMismatch is returned when a pixel buffer does not match the
	// width x height x bytes-per-pixel declared in the summary metadata.
	ErrSizeMismatch = errors.New("pixel buffer size mismatch")

	// ErrDuplicateCoordinate is returned when a plane is written at an axes
	// position that already holds a full-resolution plane.  Planes are never
	// silently overwritten.
	ErrDuplicateCoordinate = errors.New("duplicate axes position")

	// ErrNotFound marks a read for a plane or tile that has no data.  Readers
	// should render blank pixels rather than fail.
	ErrNotFound = errors.New("no data at requested position")

	// ErrAlreadyFinalized is returned for any write after FinishedWriting().
	ErrAlreadyFinalized = errors.New("store already finished writing")

	// ErrCorruptRecord is returned when a stored record fails its length or
	// checksum verification.
	ErrCorruptRecord = errors.New("corrupt record")
)

// IOError wraps an operating system error encountered while reading or writing
// dataset files.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError returns nil if err is nil, otherwise an *IOError.
func NewIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// IsIOError returns true if err wraps an *IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
