package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// AcquireFileLock takes an exclusive advisory lock on path, retrying up to
// maxRetries times. The lock file records the owner pid and acquisition time.
// The returned function releases the lock and removes the file.
func AcquireFileLock(path string, maxRetries int, retryInterval time.Duration) (func() error, error) {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		release, err := AcquireOSFileLock(path, 0)
		if err == nil {
			// write binary: pid (uint32) followed by unixnano timestamp (uint64)
			buf := make([]byte, 12)
			binary.LittleEndian.PutUint32(buf[0:4], uint32(os.Getpid()))
			binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
			_ = os.WriteFile(path, buf, 0644)
			return release, nil
		}
		lastErr = err
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrLocked, path, lastErr)
}

// ReadLockOwner returns the pid recorded in a lock file.
func ReadLockOwner(path string) (int, time.Time, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(b) < 12 {
		return 0, time.Time{}, fmt.Errorf("lock file %s is truncated", path)
	}
	pid := int(binary.LittleEndian.Uint32(b[0:4]))
	ts := time.Unix(0, int64(binary.LittleEndian.Uint64(b[4:12])))
	return pid, ts, nil
}
