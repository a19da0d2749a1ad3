//go:build windows

package object

import (
	"os"

	"github.com/pkg/errors"
)

// WriteFile writes data to path. Windows has no equivalent to the
// explicit unix.Open mode-bits path (write_unix.go); os.WriteFile's
// portable permission handling is the right tool here, matching the
// teacher's own filewatcher_windows.go split (stdlib-only on this
// platform, golang.org/x/sys/unix only where it actually applies).
func WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "object: write %q", path)
	}
	return nil
}
