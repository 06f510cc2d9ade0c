package types

import (
	"context"
	"time"
)

// MetricsCollector is the thin ambient-metrics interface the core consumes.
// Implementations (pkg/metrics) are Prometheus-backed; the core never
// depends on Prometheus directly, matching the out-of-scope "logging and
// metrics plumbing" boundary.
type MetricsCollector interface {
	RecordPlacement(policy PlacementPolicy, deviceID int, bytes int64)
	RecordPlacementFailure(policy PlacementPolicy)
	RecordBufferOccupancy(deviceID int, ratio float64)
	RecordCacheHit(bucketID int64)
	RecordCacheMiss(bucketID int64)
	RecordMigration(fromDevice, toDevice int, bytes int64, duration time.Duration)
	RecordFlush(bucketID int64, bytes int64, duration time.Duration)
}

// RemoteCaller is the distributed-RPC collaborator interface: it calls op on
// node with encoded args. internal/rpc.LocalCaller implements it for a
// single node. No core component takes or calls a RemoteCaller; BORG
// migrations are node-local.
type RemoteCaller interface {
	Call(ctx context.Context, node string, op string, args []byte) ([]byte, error)
}
