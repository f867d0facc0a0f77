//go:build !unix

package sys

import (
	"os"
	"time"
)

// AcquireOSFileLock falls back to an O_EXCL create on platforms without flock.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (func() error, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			_ = f.Close()
			return func() error { return os.Remove(lockPath) }, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
