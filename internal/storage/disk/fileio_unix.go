//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile blocks until this process holds a write lock on f. fcntl locks
// are advisory and coordinate every process sharing the store root.
func lockFile(f *os.File) error {
	return setLock(f, unix.F_WRLCK, unix.F_SETLKW)
}

func unlockFile(f *os.File) error {
	return setLock(f, unix.F_UNLCK, unix.F_SETLK)
}

func setLock(f *os.File, typ int16, cmd int) error {
	lk := unix.Flock_t{Type: typ, Whence: 0}
	return unix.FcntlFlock(f.Fd(), cmd, &lk)
}
