// Package sys wraps file access behind swappable handlers so tests can
// inject disk failures into the overflow log.
package sys

import (
	"io"
	"os"
	"sync/atomic"
)

// fileWrapper is a stable concrete type for storing a File in an atomic.Value.
type fileWrapper struct {
	f File
}

var defaultFile atomic.Value // stores fileWrapper

// File opens platform files.
type File interface {
	OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error)
}

var _ FileHandle = (*os.File)(nil)

// FileHandle is the subset of *os.File the overflow log relies on.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)

func init() {
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile replaces the File used by OpenFile and returns the previous one.
func SetDefaultFile(file File) File {
	prev := defaultFile.Swap(fileWrapper{f: file})
	if fw, ok := prev.(fileWrapper); ok {
		return fw.f
	}
	return nil
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	fw, ok := defaultFile.Load().(fileWrapper)
	if !ok || fw.f == nil {
		return nil, os.ErrInvalid
	}
	return fw.f.OpenFile(name, flag, perm)
}

// osFile implements File with os.OpenFile.
type osFile struct{}

// NewFile returns the File backed by the operating system.
func NewFile() File {
	return osFile{}
}

func (osFile) OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}
