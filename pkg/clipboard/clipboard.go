// Package clipboard wraps the host system clipboard for the
// clipboard_set control-channel request: a container asks the host to
// place text on its clipboard.
package clipboard

import (
	"fmt"

	"github.com/atotto/clipboard"
)

// Selection names the X11 selection buffer to write; boxctl only ever
// targets the regular clipboard, but the type exists so a future
// primary-selection request isn't a breaking change.
type Selection string

const (
	SelectionClipboard Selection = "clipboard"
	SelectionPrimary   Selection = "primary"
)

// Set writes data to the host clipboard. Selection is currently advisory:
// the underlying library only supports the system clipboard, not X11's
// primary selection, so SelectionPrimary falls back to SelectionClipboard
// rather than failing outright.
func Set(data string, _ Selection) error {
	if err := clipboard.WriteAll(data); err != nil {
		return fmt.Errorf("clipboard: write: %w", err)
	}
	return nil
}
