// Package clipboard copies secrets to the system clipboard and clears them
// again after a timeout.
package clipboard

import (
	"fmt"
	"time"

	"github.com/atotto/clipboard"
)

// Board is the clipboard being written.
type Board interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

type system struct{}

func (system) ReadAll() (string, error)   { return clipboard.ReadAll() }
func (system) WriteAll(text string) error { return clipboard.WriteAll(text) }

// System is the OS clipboard.
var System Board = system{}

// CopyWithTimeout copies text to b and clears it after timeout, unless the
// user copied something else in the meantime. The returned channel closes
// once the clear has run. A zero timeout never clears.
func CopyWithTimeout(b Board, text string, timeout time.Duration) (<-chan struct{}, error) {
	if err := b.WriteAll(text); err != nil {
		return nil, fmt.Errorf("failed to copy to clipboard: %w", err)
	}

	done := make(chan struct{})
	if timeout <= 0 {
		close(done)
		return done, nil
	}
	go func() {
		defer close(done)
		time.Sleep(timeout)

		current, err := b.ReadAll()
		if err == nil && current == text {
			_ = b.WriteAll("")
		}
	}()
	return done, nil
}

// IsAvailable reports whether b can be read.
func IsAvailable(b Board) bool {
	if b == System && clipboard.Unsupported {
		return false
	}
	_, err := b.ReadAll()
	return err == nil
}

// Clear empties b.
func Clear(b Board) error {
	return b.WriteAll("")
}
