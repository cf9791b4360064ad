//go:build unix

package invoicerelay

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockPath takes an exclusive advisory lock on path+".lock".
func lockPath(path string) (func(), error) {
	lockFile := path + ".lock"
	if dir := filepath.Dir(lockFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
