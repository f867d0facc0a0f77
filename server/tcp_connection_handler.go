package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/dbmsg/alert"
	"github.com/INLOpen/dbmsg/api/dbmsg"
	"github.com/INLOpen/dbmsg/core"
	"github.com/INLOpen/dbmsg/wal"
	"github.com/google/uuid"
)

// Ack is written back for every line read, before the line is processed.
const Ack = "OK\n"

// MaxLineSize bounds a single protocol line. Longer lines are discarded.
const MaxLineSize = wal.MaxStatementSize + 1024

// RecordSink accepts translated statements. queue.Router implements it.
type RecordSink interface {
	Enqueue(target string, stmt core.Statement) error
}

// TCPConnectionHandler runs the line protocol for one client connection.
type TCPConnectionHandler struct {
	id     string
	conn   net.Conn
	sink   RecordSink
	alerts alert.Raiser
	logger *slog.Logger
	now    func() time.Time

	lastActivity atomic.Int64
	lines        atomic.Int64
	rejected     atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewTCPConnectionHandler creates a handler for conn.
func NewTCPConnectionHandler(conn net.Conn, sink RecordSink, alerts alert.Raiser, logger *slog.Logger) *TCPConnectionHandler {
	if alerts == nil {
		alerts = alert.Nop{}
	}
	id := uuid.NewString()
	h := &TCPConnectionHandler{
		id:     id,
		conn:   conn,
		sink:   sink,
		alerts: alerts,
		logger: logger.With("conn_id", id, "remote_addr", conn.RemoteAddr().String()),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	h.touch()
	return h
}

func (h *TCPConnectionHandler) ID() string { return h.id }

func (h *TCPConnectionHandler) touch() {
	h.lastActivity.Store(h.now().UnixNano())
}

// LastActivity returns when the last line arrived, or when the connection was accepted.
func (h *TCPConnectionHandler) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// Done reports whether the connection has finished.
func (h *TCPConnectionHandler) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Close terminates the connection. Serve returns once its pending read fails.
func (h *TCPConnectionHandler) Close() error {
	var err error
	h.closeOnce.Do(func() { err = h.conn.Close() })
	return err
}

// Serve reads lines until the client disconnects, the connection is closed or
// binary input is seen.
func (h *TCPConnectionHandler) Serve(ctx context.Context) {
	defer close(h.done)
	defer h.Close()
	h.logger.Info("Accepted new connection")
	defer func() {
		h.logger.Info("Connection closed", "lines", h.lines.Load(), "rejected", h.rejected.Load())
	}()

	reader := bufio.NewReaderSize(h.conn, MaxLineSize)
	writer := bufio.NewWriter(h.conn)
	oversized := false

	for {
		if ctx.Err() != nil {
			return
		}
		chunk, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			oversized = true
			continue
		}
		if err != nil {
			if len(chunk) > 0 {
				h.logger.Debug("Discarding unterminated line at end of stream", "bytes", len(chunk))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !strings.Contains(err.Error(), "use of closed network connection") {
				h.logger.Warn("Failed to read line, closing connection", "error", err)
			}
			return
		}

		h.touch()
		h.lines.Add(1)
		if _, err := writer.WriteString(Ack); err == nil {
			err = writer.Flush()
		}
		if err != nil {
			h.logger.Warn("Failed to write acknowledgment, closing connection", "error", err)
			return
		}

		if oversized {
			oversized = false
			h.reject(ctx, &core.ProtocolError{Reason: "line exceeds maximum size"})
			continue
		}
		if !h.HandleLine(ctx, string(chunk)) {
			return
		}
	}
}

// HandleLine classifies, translates and enqueues one line. It returns false
// when the connection must be closed.
func (h *TCPConnectionHandler) HandleLine(ctx context.Context, line string) bool {
	text := dbmsg.TrimLine(line)
	if text == "" {
		return true
	}
	rec, err := dbmsg.ParseLine(text)
	if err != nil {
		if errors.Is(err, core.ErrBinaryInput) {
			h.rejected.Add(1)
			h.logger.Warn("Binary input on line protocol, closing connection")
			h.alerts.Raise(ctx, alert.Event{
				Type: alert.EventBinaryInput, Message: "non-printable input from " + h.conn.RemoteAddr().String(), Err: err,
			})
			return false
		}
		h.reject(ctx, err)
		return true
	}

	stmt := dbmsg.Translate(rec)
	if err := h.sink.Enqueue(rec.Target(), stmt); err != nil {
		h.logger.Debug("Statement not queued", "target", rec.Target(), "error", err)
	}
	return true
}

func (h *TCPConnectionHandler) reject(ctx context.Context, err error) {
	h.rejected.Add(1)
	h.alerts.Raise(ctx, alert.Event{
		Type: alert.EventProtocolError, Message: "line dropped from " + h.conn.RemoteAddr().String(), Err: err,
	})
}
