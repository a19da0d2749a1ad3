//go:build unix

package object

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// WriteFile writes data to path with the exact permission bits a
// relocatable object should carry (0644: readable by anyone, writable
// only by the owner, never executable - a .o is never run directly,
// only consumed by the linker). Grounded on the teacher's
// filewatcher_unix.go's direct golang.org/x/sys/unix use in place of
// the os package, per SPEC_FULL.md's DOMAIN STACK entry for
// golang.org/x/sys/unix (spec.md §7: "I/O failure ... surfaced as a
// result value").
func WriteFile(path string, data []byte) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "object: open %q", path)
	}
	defer unix.Close(fd)

	for written := 0; written < len(data); {
		n, err := unix.Write(fd, data[written:])
		if err != nil {
			return errors.Wrapf(err, "object: write %q", path)
		}
		written += n
	}
	return nil
}
