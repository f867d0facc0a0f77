package testutil

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// NewBufconnListener returns a new bufconn.Listener with a sensible default buffer size.
func NewBufconnListener(bufferSize int) *bufconn.Listener {
	if bufferSize <= 0 {
		bufferSize = 1024 * 1024
	}
	return bufconn.Listen(bufferSize)
}

// NewBufconnClient returns a plaintext client connection that dials lis.
func NewBufconnClient(lis *bufconn.Listener, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	return grpc.NewClient("passthrough:///bufnet", opts...)
}
