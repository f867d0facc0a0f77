//go:build unix

package sys

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 25 * time.Millisecond

// AcquireOSFileLock takes a non-blocking flock on lockPath, polling until
// timeout elapses. A zero timeout tries exactly once. The release function
// unlocks, closes and removes the lock file.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() error {
				unlockErr := unix.Flock(fd, unix.LOCK_UN)
				closeErr := f.Close()
				_ = os.Remove(lockPath)
				return errors.Join(unlockErr, closeErr)
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || !time.Now().Before(deadline) {
			_ = f.Close()
			return nil, err
		}
		time.Sleep(lockPollInterval)
	}
}
