package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/INLOpen/dbmsg/alert"
	"github.com/INLOpen/dbmsg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func startHandler(t *testing.T, sink RecordSink, alerts alert.Raiser) (*lineClient, *TCPConnectionHandler) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	h := NewTCPConnectionHandler(serverConn, sink, alerts, testLogger())
	go h.Serve(context.Background())
	return newLineClient(t, clientConn), h
}

func TestTCPConnectionHandler_StructuredAndRaw(t *testing.T) {
	sink := new(mockSink)
	sink.On("Enqueue", "edge", core.Statement("INSERT INTO edge.channel (channel,rate) VALUES ('ZZDAVE HHZ10','40.0')")).Return(nil).Once()
	sink.On("Enqueue", "edge", core.Statement("UPDATE edge.channel SET lastdata=now() WHERE id=1000")).Return(nil).Once()
	sink.On("Enqueue", "anss", core.Statement("UPDATE anss.event SET x=1 WHERE id=2;")).Return(nil).Once()

	client, _ := startHandler(t, sink, &recordingRaiser{})
	client.send("edge^channel^channel=ZZDAVE HHZ10;rate=40.0;\n")
	client.send("edge^channel^id=1000;lastdata=now();\r\n")
	client.send("UPDATE anss.event SET x=1 WHERE id=2;\n")
	// The ack for this blank line is written after the previous line was processed.
	client.send("\n")

	sink.AssertExpectations(t)
}

func TestTCPConnectionHandler_MalformedLineKeepsConnection(t *testing.T) {
	sink := new(mockSink)
	sink.On("Enqueue", "edge", mock.Anything).Return(nil).Once()
	alerts := &recordingRaiser{}

	client, h := startHandler(t, sink, alerts)
	client.send("this is not a record\n")
	client.send("edge^channel^id=abc;x=1\n")
	client.send("edge^channel^x=1\n")
	client.send("\n")

	assert.Equal(t, 2, alerts.Count(alert.EventProtocolError))
	assert.False(t, h.Done())
	sink.AssertExpectations(t)
}

func TestTCPConnectionHandler_BinaryInputClosesConnection(t *testing.T) {
	sink := new(mockSink)
	alerts := &recordingRaiser{}

	client, h := startHandler(t, sink, alerts)
	client.send("\x16\x03\x01\x02\x00\n")
	client.expectClosed()

	assert.Equal(t, 1, alerts.Count(alert.EventBinaryInput))
	assert.Eventually(t, h.Done, waitFor, 1e6)
	sink.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestTCPConnectionHandler_OversizedLine(t *testing.T) {
	sink := new(mockSink)
	alerts := &recordingRaiser{}

	client, _ := startHandler(t, sink, alerts)
	client.send("edge^t^x=" + strings.Repeat("a", MaxLineSize+10) + "\n")
	client.send("\n")

	assert.Equal(t, 1, alerts.Count(alert.EventProtocolError))
	sink.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestTCPConnectionHandler_SinkErrorDoesNotReachClient(t *testing.T) {
	sink := new(mockSink)
	sink.On("Enqueue", "nosuch", mock.Anything).Return(errors.New("unknown target")).Once()

	client, h := startHandler(t, sink, &recordingRaiser{})
	client.send("nosuch^t^x=1\n")
	client.send("\n")

	assert.False(t, h.Done())
	sink.AssertExpectations(t)
}

func TestTCPConnectionHandler_CloseEndsServe(t *testing.T) {
	client, h := startHandler(t, new(mockSink), &recordingRaiser{})
	before := h.LastActivity()
	client.send("\n")
	assert.False(t, h.LastActivity().Before(before))

	require.NoError(t, h.Close())
	client.expectClosed()
	assert.Eventually(t, h.Done, waitFor, 1e6)
	assert.NotEmpty(t, h.ID())
}
