package exporter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/VladMinzatu/pprof-endpoint/internal/profiler"
)

// SnapshotSource is anything that can produce a point-in-time report.
type SnapshotSource interface {
	Snapshot() *profiler.Snapshot
}

// Pusher periodically exports the cumulative profile to an OTLP profiles
// receiver over gRPC.
type Pusher struct {
	client   collectorpb.ProfilesServiceClient
	conn     *grpc.ClientConn
	source   SnapshotSource
	interval time.Duration
	now      NowFunc
}

func NewPusher(endpoint string, useInsecure bool, interval time.Duration, source SnapshotSource) (*Pusher, error) {
	if endpoint == "" {
		return nil, errors.New("otlp endpoint must not be empty")
	}
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if useInsecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp client for %s: %w", endpoint, err)
	}
	p, err := NewPusherWithClient(collectorpb.NewProfilesServiceClient(conn), interval, source)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func NewPusherWithClient(client collectorpb.ProfilesServiceClient, interval time.Duration, source SnapshotSource) (*Pusher, error) {
	if interval <= 0 {
		return nil, errors.New("invalid push interval; must be > 0")
	}
	if client == nil || source == nil {
		return nil, errors.New("pusher needs a client and a snapshot source")
	}
	return &Pusher{
		client:   client,
		source:   source,
		interval: interval,
		now:      func() uint64 { return uint64(time.Now().UnixNano()) },
	}, nil
}

// Push sends one export request built from a fresh snapshot.
func (p *Pusher) Push(ctx context.Context) error {
	data := BuildOltpProfile(p.source.Snapshot(), p.now)
	if err := ValidateDictionary(data); err != nil {
		return err
	}

	req := &collectorpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.ResourceProfiles,
		Dictionary:       data.Dictionary,
	}
	resp, err := p.client.Export(ctx, req, grpc.UseCompressor(gzip.Name))
	if err != nil {
		return fmt.Errorf("otlp export failed: %w", err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedProfiles() > 0 {
		slog.Warn("OTLP receiver rejected profiles", "rejected", ps.GetRejectedProfiles(), "message", ps.GetErrorMessage())
	}
	return nil
}

// Run pushes every interval until ctx is cancelled. Failed pushes are
// logged and retried on the next tick.
func (p *Pusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Push(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("Failed to push profile", "error", err)
			}
		}
	}
}

func (p *Pusher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
