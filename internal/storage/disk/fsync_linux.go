//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes file data; metadata that only affects timestamps is skipped.
func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return unix.Fdatasync(int(f.Fd()))
}
