package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/INLOpen/dbmsg/core"
	"github.com/INLOpen/dbmsg/sys"
)

const (
	// FrameHeaderSize is the size of the big-endian length prefix.
	FrameHeaderSize = 2
	// MaxStatementSize is the largest statement a frame can carry.
	MaxStatementSize = math.MaxUint16
	// FileSuffix is appended to the target name to form the overflow file name.
	FileSuffix = ".dbq"
)

// Options configures a DiskLog.
type Options struct {
	Path string
	// SyncWrites fsyncs the file after every append.
	SyncWrites bool
	Logger     *slog.Logger
}

// DiskLog is an append-only file of [uint16 length][statement] frames for one
// target. The write pointer is the file length; the read pointer only lives in
// memory while a drain is in progress. Truncation to zero is the only way
// bytes are removed.
type DiskLog struct {
	mu       sync.Mutex
	path     string
	file     sys.FileHandle
	writePos int64
	readPos  int64
	frames   int64
	opts     Options
	logger   *slog.Logger
}

// Open opens or creates the log file. A frame cut short by a crash at the end
// of the file is truncated away so the write pointer lands on a frame boundary.
func Open(opts Options) (*DiskLog, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	file, err := sys.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, &core.ResourceError{Op: "open", Path: opts.Path, Err: err}
	}
	l := &DiskLog{
		path:   opts.Path,
		file:   file,
		opts:   opts,
		logger: opts.Logger.With("component", "DiskLog", "path", opts.Path),
	}
	if err := l.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

// recover scans frame headers and truncates a torn tail.
func (l *DiskLog) recover() error {
	stat, err := l.file.Stat()
	if err != nil {
		return &core.ResourceError{Op: "stat", Path: l.path, Err: err}
	}
	size := stat.Size()

	var off, frames int64
	header := make([]byte, FrameHeaderSize)
	for off < size {
		if off+FrameHeaderSize > size {
			break
		}
		if _, err := l.file.ReadAt(header, off); err != nil {
			return &core.ResourceError{Op: "scan", Path: l.path, Err: err}
		}
		n := int64(binary.BigEndian.Uint16(header))
		if off+FrameHeaderSize+n > size {
			break
		}
		off += FrameHeaderSize + n
		frames++
	}

	if off != size {
		l.logger.Warn("Truncating torn frame at end of overflow file", "valid_bytes", off, "file_bytes", size)
		if err := l.file.Truncate(off); err != nil {
			return &core.ResourceError{Op: "truncate", Path: l.path, Err: err}
		}
	}
	l.writePos = off
	l.frames = frames
	return nil
}

// Append writes one frame at the write pointer. On failure the file is rolled
// back to the previous write pointer and the statement is lost.
func (l *DiskLog) Append(stmt core.Statement) error {
	if len(stmt) == 0 {
		return &core.ResourceError{Op: "append", Path: l.path, Err: core.ErrEmptyStatement}
	}
	if len(stmt) > MaxStatementSize {
		return &core.ResourceError{Op: "append", Path: l.path, Err: fmt.Errorf("%w: %d bytes", core.ErrFrameTooLarge, len(stmt))}
	}

	buf := core.GetBuffer()
	defer core.PutBuffer(buf)
	var header [FrameHeaderSize]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(stmt)))
	buf.Write(header[:])
	buf.WriteString(string(stmt))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return &core.ResourceError{Op: "append", Path: l.path, Err: os.ErrClosed}
	}

	if _, err := l.file.WriteAt(buf.Bytes(), l.writePos); err != nil {
		if terr := l.file.Truncate(l.writePos); terr != nil {
			err = errors.Join(err, terr)
		}
		return &core.ResourceError{Op: "append", Path: l.path, Err: err}
	}
	if l.opts.SyncWrites {
		if err := l.file.Sync(); err != nil {
			return &core.ResourceError{Op: "sync", Path: l.path, Err: err}
		}
	}
	l.writePos += int64(buf.Len())
	l.frames++
	return nil
}

// ReadNext returns the frame at the read pointer and its total size. It
// returns io.EOF when the read pointer has reached the write pointer.
func (l *DiskLog) ReadNext() (core.Statement, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return "", 0, &core.ResourceError{Op: "read", Path: l.path, Err: os.ErrClosed}
	}
	if l.readPos >= l.writePos {
		return "", 0, io.EOF
	}
	if l.readPos+FrameHeaderSize > l.writePos {
		return "", 0, &core.ResourceError{Op: "read", Path: l.path, Err: core.ErrCorruptFrame}
	}

	header := make([]byte, FrameHeaderSize)
	if _, err := l.file.ReadAt(header, l.readPos); err != nil {
		return "", 0, &core.ResourceError{Op: "read", Path: l.path, Err: err}
	}
	n := int64(binary.BigEndian.Uint16(header))
	if l.readPos+FrameHeaderSize+n > l.writePos {
		return "", 0, &core.ResourceError{Op: "read", Path: l.path, Err: core.ErrCorruptFrame}
	}
	body := make([]byte, n)
	if n > 0 {
		if _, err := l.file.ReadAt(body, l.readPos+FrameHeaderSize); err != nil {
			return "", 0, &core.ResourceError{Op: "read", Path: l.path, Err: err}
		}
	}
	return core.Statement(body), FrameHeaderSize + n, nil
}

// Advance moves the read pointer past a frame of the given size. When the read
// pointer reaches the write pointer the file is truncated to zero, both
// pointers reset and drained is true.
func (l *DiskLog) Advance(size int64) (drained bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readPos += size
	if l.frames > 0 {
		l.frames--
	}
	if l.readPos < l.writePos {
		return false, nil
	}
	return true, l.resetLocked()
}

// Reset discards every frame.
func (l *DiskLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetLocked()
}

// resetLocked keeps the pointers untouched when the truncate fails so the
// frames are still readable.
func (l *DiskLog) resetLocked() error {
	if l.file != nil {
		if err := l.file.Truncate(0); err != nil {
			return &core.ResourceError{Op: "truncate", Path: l.path, Err: err}
		}
	}
	l.readPos = 0
	l.writePos = 0
	l.frames = 0
	return nil
}

// Rewind moves the read pointer back to the start of the file.
func (l *DiskLog) Rewind() {
	l.mu.Lock()
	l.readPos = 0
	l.mu.Unlock()
}

// WritePointer returns the offset the next frame will be written at.
func (l *DiskLog) WritePointer() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writePos
}

// ReadPointer returns the offset of the next frame to drain.
func (l *DiskLog) ReadPointer() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readPos
}

// Frames returns the number of frames not yet drained.
func (l *DiskLog) Frames() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames
}

// Size returns the current on-disk size of the file.
func (l *DiskLog) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return 0, os.ErrClosed
	}
	stat, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

func (l *DiskLog) Path() string { return l.path }

// Close syncs and closes the file. Frames stay on disk for the next start.
func (l *DiskLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
