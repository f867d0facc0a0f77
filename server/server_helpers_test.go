package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/dbmsg/alert"
	"github.com/INLOpen/dbmsg/core"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// mockSink is a RecordSink backed by testify/mock.
type mockSink struct {
	mock.Mock
}

func (m *mockSink) Enqueue(target string, stmt core.Statement) error {
	args := m.Called(target, stmt)
	return args.Error(0)
}

type recordingRaiser struct {
	mu     sync.Mutex
	events []alert.Event
}

func (r *recordingRaiser) Raise(_ context.Context, e alert.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingRaiser) Count(et alert.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == et {
			n++
		}
	}
	return n
}

// lineClient speaks the line protocol over a client connection.
type lineClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func newLineClient(t *testing.T, conn net.Conn) *lineClient {
	return &lineClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// send writes one line and waits for its acknowledgment.
func (c *lineClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetDeadline(time.Now().Add(waitFor)))
	_, err := io.WriteString(c.conn, line)
	require.NoError(c.t, err)
	ack := make([]byte, len(Ack))
	_, err = io.ReadFull(c.reader, ack)
	require.NoError(c.t, err)
	require.Equal(c.t, Ack, string(ack))
}

// expectClosed waits for the server to close the connection.
func (c *lineClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetDeadline(time.Now().Add(waitFor)))
	_, err := c.reader.ReadByte()
	require.ErrorIs(c.t, err, io.EOF)
}
