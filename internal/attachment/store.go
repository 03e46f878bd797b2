// Package attachment persists extracted attachment content.
package attachment

import (
	"context"
	"fmt"
)

// Store writes attachment content under a filename and returns the location
// it was written to. Writing the same filename twice overwrites the first
// write.
type Store interface {
	Put(ctx context.Context, filename string, data []byte) (string, error)
}

// PersistError reports a failure to write a single attachment.
type PersistError struct {
	Filename string
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist attachment %q: %v", e.Filename, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
