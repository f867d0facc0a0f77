package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/INLOpen/dbmsg/core"
)

// Frame is one decoded disk frame.
type Frame struct {
	Offset    int64
	Statement core.Statement
}

// Size returns the frame's size on disk.
func (f Frame) Size() int64 { return FrameHeaderSize + int64(len(f.Statement)) }

// FrameReader decodes frames sequentially from an overflow file without
// touching the live pointers of a DiskLog.
type FrameReader struct {
	r      *bufio.Reader
	offset int64
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame, io.EOF at a clean end of file, or
// io.ErrUnexpectedEOF when the last frame is torn. On error the frame
// carries only the offset the failed read started at.
func (fr *FrameReader) Next() (Frame, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(fr.r, header); err != nil {
		return Frame{Offset: fr.offset}, err
	}
	n := binary.BigEndian.Uint16(header)
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{Offset: fr.offset}, err
	}
	f := Frame{Offset: fr.offset, Statement: core.Statement(body)}
	fr.offset += f.Size()
	return f, nil
}
