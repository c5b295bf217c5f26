package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/mohammadhprp/ratelimiting/internal/admission"
	"github.com/mohammadhprp/ratelimiting/internal/rules"
	"github.com/mohammadhprp/ratelimiting/internal/service"
	"github.com/mohammadhprp/ratelimiting/internal/storage"
)

type downStore struct {
	storage.Store
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func dial(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func startGRPC(t *testing.T, cfg ServerConfig) healthpb.HealthClient {
	t.Helper()
	gs := NewGRPCServer(cfg)
	lis := bufconn.Listen(1 << 20)
	gs.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gs.Stop(ctx)
	})
	return healthpb.NewHealthClient(dial(t, lis))
}

func TestGRPCServerHealth(t *testing.T) {
	// A blocklist matching everything must not affect health probes.
	cfg := newServerConfig(t, newMemoryStore(t), func(b *rules.Builder) {
		require.NoError(t, b.Blocklist("everything", rules.Match(func(*rules.Request) bool { return true })))
	})
	client := startGRPC(t, cfg)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestGRPCServerHealthStoreDown(t *testing.T) {
	cfg := newServerConfig(t, newMemoryStore(t), func(*rules.Builder) {})
	cfg.Health = service.NewHealthService(downStore{}, zap.NewNop())
	client := startGRPC(t, cfg)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

// serveGuarded runs a health service behind the admission interceptors
// without any exemption.
func serveGuarded(t *testing.T, pipeline *admission.Pipeline) healthpb.HealthClient {
	t.Helper()
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(UnaryAdmissionInterceptor(pipeline, zap.NewNop())),
		grpc.StreamInterceptor(StreamAdmissionInterceptor(pipeline, zap.NewNop())),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return healthpb.NewHealthClient(dial(t, lis))
}

func TestUnaryAdmissionInterceptorBlocks(t *testing.T) {
	cfg := newServerConfig(t, newMemoryStore(t), func(b *rules.Builder) {
		require.NoError(t, b.Blocklist("health", rules.PathPrefix("/grpc.health.v1.Health")))
	})
	client := serveGuarded(t, cfg.Pipeline)

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestUnaryAdmissionInterceptorThrottlesByMetadata(t *testing.T) {
	cfg := newServerConfig(t, newMemoryStore(t), func(b *rules.Builder) {
		require.NoError(t, b.ThrottleFixed("per-key", 1, time.Hour, rules.ByHeader("X-Api-Key")))
	})
	client := serveGuarded(t, cfg.Pipeline)

	withKey := func(key string) context.Context {
		return metadata.AppendToOutgoingContext(context.Background(), "x-api-key", key)
	}

	_, err := client.Check(withKey("k1"), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)

	var header metadata.MD
	_, err = client.Check(withKey("k1"), &healthpb.HealthCheckRequest{}, grpc.Header(&header))
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.NotEmpty(t, header.Get("retry-after"))

	// Other keys and calls without a key are not affected.
	_, err = client.Check(withKey("k2"), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx    context.Context
	header metadata.MD
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func (s *fakeStream) SetHeader(md metadata.MD) error {
	s.header = metadata.Join(s.header, md)
	return nil
}

func TestStreamAdmissionInterceptor(t *testing.T) {
	cfg := newServerConfig(t, newMemoryStore(t), func(b *rules.Builder) {
		require.NoError(t, b.ThrottleFixed("per-peer", 1, time.Minute, rules.ByRemoteIP()))
	})
	interceptor := StreamAdmissionInterceptor(cfg.Pipeline, zap.NewNop(), "/exempt.")

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}})
	info := &grpc.StreamServerInfo{FullMethod: "/svc.Stream/Watch"}

	calls := 0
	handler := func(any, grpc.ServerStream) error {
		calls++
		return nil
	}

	require.NoError(t, interceptor(nil, &fakeStream{ctx: ctx}, info, handler))

	ss := &fakeStream{ctx: ctx}
	err := interceptor(nil, ss, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.NotEmpty(t, ss.header.Get("retry-after"))

	require.NoError(t, interceptor(nil, &fakeStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: "/exempt.Svc/Call"}, handler))
	assert.Equal(t, 2, calls)
}

func TestUnaryAdmissionInterceptorCanceled(t *testing.T) {
	cfg := newServerConfig(t, newMemoryStore(t), func(b *rules.Builder) {
		require.NoError(t, b.ThrottleFixed("per-peer", 1, time.Minute, rules.ByRemoteIP()))
	})
	interceptor := UnaryAdmissionInterceptor(cfg.Pipeline, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc.Unary/Call"}, func(context.Context, any) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestRequestFromContext(t *testing.T) {
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.9"), Port: 7000}})
	ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("x-forwarded-for", "203.0.113.7, 10.0.0.9", ":authority", "svc"))

	req := requestFromContext(ctx, "/pkg.Svc/Method")
	assert.Equal(t, "/pkg.Svc/Method", req.Path)
	assert.Equal(t, "10.0.0.9", req.RemoteIP())
	assert.Equal(t, "203.0.113.7", req.ClientIP())
	assert.Empty(t, req.Header.Get(":authority"))
}
