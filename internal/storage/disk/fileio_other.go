//go:build !unix

package disk

import "os"

// Without fcntl the store only serializes within one process.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
