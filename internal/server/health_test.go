package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startHealth(t *testing.T) (*GRPCHealth, healthpb.HealthClient) {
	t.Helper()
	h := NewGRPCHealth("bufnet", zaptest.NewLogger(t))
	lis := bufconn.Listen(1 << 16)
	go func() { _ = h.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		h.Stop()
	})
	return h, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestGRPCHealth_StartsNotServing(t *testing.T) {
	_, c := startHealth(t)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, HealthMatchmaker))
}

func TestGRPCHealth_SetServing(t *testing.T) {
	h, c := startHealth(t)

	h.SetServing(HealthMatchmaker, true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, HealthMatchmaker))

	h.SetServing(HealthMatchmaker, false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, HealthMatchmaker))
}

func TestGRPCHealth_AddrBeforeServe(t *testing.T) {
	h := NewGRPCHealth("127.0.0.1:0", zaptest.NewLogger(t))
	assert.Empty(t, h.Addr())
}
