package exporter

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/VladMinzatu/pprof-endpoint/internal/profiler"
)

type staticSource struct {
	snap *profiler.Snapshot
}

func (s staticSource) Snapshot() *profiler.Snapshot { return s.snap }

type fakeReceiver struct {
	collectorpb.UnimplementedProfilesServiceServer

	mu   sync.Mutex
	reqs []*collectorpb.ExportProfilesServiceRequest
	fail bool
}

func (f *fakeReceiver) Export(_ context.Context, req *collectorpb.ExportProfilesServiceRequest) (*collectorpb.ExportProfilesServiceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, status.Error(codes.Unavailable, "receiver down")
	}
	f.reqs = append(f.reqs, req)
	return &collectorpb.ExportProfilesServiceResponse{}, nil
}

func (f *fakeReceiver) received() []*collectorpb.ExportProfilesServiceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*collectorpb.ExportProfilesServiceRequest(nil), f.reqs...)
}

func startReceiver(t *testing.T, recv *fakeReceiver) collectorpb.ProfilesServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	collectorpb.RegisterProfilesServiceServer(srv, recv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return collectorpb.NewProfilesServiceClient(conn)
}

func TestPusher_PushSendsValidProfile(t *testing.T) {
	recv := &fakeReceiver{}
	client := startReceiver(t, recv)

	p, err := NewPusherWithClient(client, time.Second, staticSource{exampleSnapshot()})
	require.NoError(t, err)
	require.NoError(t, p.Push(context.Background()))

	reqs := recv.received()
	require.Len(t, reqs, 1)
	req := reqs[0]
	require.NotNil(t, req.Dictionary)
	samples := req.ResourceProfiles[0].ScopeProfiles[0].Profiles[0].Samples
	require.Len(t, samples, 2)

	var total int64
	for _, s := range samples {
		total += s.Values[0]
	}
	assert.Equal(t, int64(3), total)
}

func TestPusher_PushReportsReceiverError(t *testing.T) {
	recv := &fakeReceiver{fail: true}
	client := startReceiver(t, recv)

	p, err := NewPusherWithClient(client, time.Second, staticSource{exampleSnapshot()})
	require.NoError(t, err)
	err = p.Push(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestPusher_RunPushesUntilCancelled(t *testing.T) {
	recv := &fakeReceiver{}
	client := startReceiver(t, recv)

	p, err := NewPusherWithClient(client, 5*time.Millisecond, staticSource{exampleSnapshot()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(recv.received()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.NoError(t, p.Close())
}

func TestNewPusher_Validation(t *testing.T) {
	_, err := NewPusher("", true, time.Second, staticSource{})
	require.Error(t, err)
	_, err = NewPusherWithClient(nil, time.Second, staticSource{})
	require.Error(t, err)

	recv := &fakeReceiver{}
	client := startReceiver(t, recv)
	_, err = NewPusherWithClient(client, 0, staticSource{})
	require.Error(t, err)
}
