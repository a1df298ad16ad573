package filereader

import (
	"errors"
	"fmt"
)

// ErrOffsetBeyondEOF is reported when the start offset lies past the end of the file.
var ErrOffsetBeyondEOF = errors.New("start offset beyond end of file")

// Error records a failed file operation and where it happened.
type Error struct {
	Op     string
	Path   string
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s at offset %d: %s", e.Op, e.Path, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
