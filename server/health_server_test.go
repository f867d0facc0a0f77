package server

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/dbmsg/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startHealthServer(t *testing.T) (*HealthServer, healthpb.HealthClient) {
	t.Helper()
	lis := testutil.NewBufconnListener(0)
	hs := NewHealthServer(testLogger())
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Start(lis) }()

	conn, err := testutil.NewBufconnClient(lis)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		hs.Stop()
		<-errCh
	})
	return hs, healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func TestHealthServer_Overall(t *testing.T) {
	_, client := startHealthServer(t)

	st, err := checkStatus(t, client, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
}

func TestHealthServer_PerTarget(t *testing.T) {
	hs, client := startHealthServer(t)

	_, err := checkStatus(t, client, "dbmsg.edge")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))

	hs.ReportStatus("edge", false)
	st, err := checkStatus(t, client, "dbmsg.edge")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	hs.ReportStatus("edge", true)
	st, err = checkStatus(t, client, "dbmsg.edge")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = checkStatus(t, client, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
}
