package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startHealthServer(t *testing.T) (*grpchealth.Server, *GRPCChecker) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	checker, err := NewGRPCChecker("passthrough:///bufnet", "node",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = checker.Close() })
	return hs, checker
}

func TestGRPCChecker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hs, checker := startHealthServer(t)

	hs.SetServingStatus("node", healthpb.HealthCheckResponse_SERVING)
	require.NoError(t, checker.Check(ctx))

	hs.SetServingStatus("node", healthpb.HealthCheckResponse_NOT_SERVING)
	require.ErrorIs(t, checker.Check(ctx), ErrUnhealthy)
}

func TestGRPCCheckerUnknownService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, checker := startHealthServer(t)

	err := checker.Check(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnhealthy)
}

func jsonRPCServer(t *testing.T, result string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "node_getVersion" {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"` + result + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJSONRPCChecker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, NewJSONRPCChecker(jsonRPCServer(t, "0.42.0").URL).Check(ctx))
	require.ErrorIs(t, NewJSONRPCChecker(jsonRPCServer(t, "").URL).Check(ctx), ErrUnhealthy)
}

func TestJSONRPCCheckerUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := jsonRPCServer(t, "0.42.0")
	url := srv.URL
	srv.Close()

	require.Error(t, NewJSONRPCChecker(url).Check(ctx))
}

func TestIsLocal(t *testing.T) {
	require.True(t, isLocal("localhost:9000"))
	require.True(t, isLocal("127.0.0.1:9000"))
	require.True(t, isLocal("unix:/tmp/node.sock"))
	require.False(t, isLocal("node.example.com:443"))
}
