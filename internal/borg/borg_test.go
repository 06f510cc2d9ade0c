package borg

import (
	"context"
	"testing"
	"time"

	"github.com/HDFGroup/hermes-sub002/internal/bufferpool"
	"github.com/HDFGroup/hermes-sub002/internal/device"
	"github.com/HDFGroup/hermes-sub002/internal/metadata"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

func TestScoreOrdering(t *testing.T) {
	params := ScoreParams{RecencyMin: 0, RecencyMax: 100, FreqMin: 1, FreqMax: 11}
	now := time.Now()

	low := Score(params, types.AccessStats{LastAccess: now.Add(-80 * time.Second), AccessCount: 1}, now)
	mid := Score(params, types.AccessStats{LastAccess: now, AccessCount: 1}, now)
	high := Score(params, types.AccessStats{LastAccess: now, AccessCount: 9}, now)

	if !(low < mid && mid < high) {
		t.Fatalf("expected low < mid < high, got %f, %f, %f", low, mid, high)
	}
	if low < 0.09 || low > 0.11 {
		t.Errorf("low score = %f, want ~0.1", low)
	}
	if mid < 0.49 || mid > 0.51 {
		t.Errorf("mid score = %f, want ~0.5", mid)
	}
	if high < 0.89 || high > 0.91 {
		t.Errorf("high score = %f, want ~0.9", high)
	}
}

// TestEvictionOrdering is literal scenario 6: three blobs on ram with
// scores 0.1, 0.5, 0.9; ram above its max threshold. The 0.1 blob migrates
// first, then 0.5 if ram is still over threshold; 0.9 must not move unless
// the others have moved.
func TestEvictionOrdering(t *testing.T) {
	pool := bufferpool.New()
	if err := pool.AddDevice(0, 192, []int64{64}, []int{3}); err != nil {
		t.Fatalf("AddDevice(ram): %v", err)
	}
	if err := pool.AddDevice(1, 1<<20, []int64{64}, []int{64}); err != nil {
		t.Fatalf("AddDevice(cold): %v", err)
	}

	meta := metadata.New(8, 4)
	bucketID, err := meta.GetOrCreateBucket("b", 64, types.ModeDefault)
	if err != nil {
		t.Fatalf("GetOrCreateBucket: %v", err)
	}

	names := []string{"low", "mid", "high"}
	for _, name := range names {
		refs, err := pool.Reserve(0, 64)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if _, _, err := meta.PutOrUpdateBlob(bucketID, name, refs, 64); err != nil {
			t.Fatalf("PutOrUpdateBlob: %v", err)
		}
	}

	now := time.Now()
	if err := meta.TouchBlob(bucketID, "low", now.Add(-80*time.Second)); err != nil {
		t.Fatalf("TouchBlob(low): %v", err)
	}
	if err := meta.TouchBlob(bucketID, "mid", now); err != nil {
		t.Fatalf("TouchBlob(mid): %v", err)
	}
	for i := 0; i < 9; i++ {
		if err := meta.TouchBlob(bucketID, "high", now); err != nil {
			t.Fatalf("TouchBlob(high): %v", err)
		}
	}

	ramClient, err := device.New(types.Device{ID: 0, Name: "ram0", Interface: types.InterfaceRAM, Capacity: 192, BlockSize: 64})
	if err != nil {
		t.Fatalf("device.New(ram): %v", err)
	}
	coldClient, err := device.New(types.Device{ID: 1, Name: "cold0", Interface: types.InterfaceRAM, Capacity: 1 << 20, BlockSize: 64})
	if err != nil {
		t.Fatalf("device.New(cold): %v", err)
	}

	devices := map[int]device.Transport{0: ramClient, 1: coldClient}
	devCfg := map[int]types.Device{
		0: {ID: 0, Bandwidth: 1e9, BorgMinThresh: 0, BorgMaxThresh: 0.5},
		1: {ID: 1, Bandwidth: 1e6, BorgMinThresh: 0, BorgMaxThresh: 1.0},
	}
	score := ScoreParams{RecencyMin: 0, RecencyMax: 100, FreqMin: 1, FreqMax: 11}

	org := New(meta, pool, nil, devices, devCfg, score, types.FlushAsync, 0, 0, nil, nil)

	if err := org.ReorgTick(context.Background()); err != nil {
		t.Fatalf("ReorgTick: %v", err)
	}

	lowBlob, err := meta.GetBlob(bucketID, "low")
	if err != nil {
		t.Fatalf("GetBlob(low): %v", err)
	}
	midBlob, err := meta.GetBlob(bucketID, "mid")
	if err != nil {
		t.Fatalf("GetBlob(mid): %v", err)
	}
	highBlob, err := meta.GetBlob(bucketID, "high")
	if err != nil {
		t.Fatalf("GetBlob(high): %v", err)
	}

	if lowBlob.Refs[0].DeviceID != 1 {
		t.Errorf("low-score blob should have migrated off ram, still on device %d", lowBlob.Refs[0].DeviceID)
	}
	if midBlob.Refs[0].DeviceID != 1 {
		t.Errorf("mid-score blob should have migrated off ram, still on device %d", midBlob.Refs[0].DeviceID)
	}
	if highBlob.Refs[0].DeviceID != 0 {
		t.Errorf("high-score blob should remain on ram, found on device %d", highBlob.Refs[0].DeviceID)
	}

	occ, err := pool.Occupancy(0)
	if err != nil {
		t.Fatalf("Occupancy: %v", err)
	}
	if occ > 0.5 {
		t.Errorf("ram occupancy after reorg = %f, want <= 0.5", occ)
	}
}

// TestCancelBucketDiscardsInFlightMigration verifies that a migration
// targeting a bucket marked destroyed mid-flight is discarded instead of
// applied to the Metadata Store.
func TestCancelBucketDiscardsInFlightMigration(t *testing.T) {
	pool := bufferpool.New()
	if err := pool.AddDevice(0, 64, []int64{64}, []int{1}); err != nil {
		t.Fatalf("AddDevice(src): %v", err)
	}
	if err := pool.AddDevice(1, 64, []int64{64}, []int{1}); err != nil {
		t.Fatalf("AddDevice(dst): %v", err)
	}

	meta := metadata.New(4, 4)
	bucketID, err := meta.GetOrCreateBucket("b", 64, types.ModeDefault)
	if err != nil {
		t.Fatalf("GetOrCreateBucket: %v", err)
	}
	refs, err := pool.Reserve(0, 64)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, _, err := meta.PutOrUpdateBlob(bucketID, "only", refs, 64); err != nil {
		t.Fatalf("PutOrUpdateBlob: %v", err)
	}

	src, err := device.New(types.Device{ID: 0, Name: "src", Interface: types.InterfaceRAM, Capacity: 64, BlockSize: 64})
	if err != nil {
		t.Fatalf("device.New(src): %v", err)
	}
	dst, err := device.New(types.Device{ID: 1, Name: "dst", Interface: types.InterfaceRAM, Capacity: 64, BlockSize: 64})
	if err != nil {
		t.Fatalf("device.New(dst): %v", err)
	}
	devices := map[int]device.Transport{0: src, 1: dst}

	org := New(meta, pool, nil, devices, nil, ScoreParams{RecencyMin: 0, RecencyMax: 1, FreqMin: 0, FreqMax: 1}, types.FlushAsync, 0, 0, nil, nil)
	org.CancelBucket(bucketID)

	blob, err := meta.GetBlob(bucketID, "only")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	db := metadata.DeviceBlob{BucketID: bucketID, Name: "only", Blob: blob}
	if err := org.migrate(db, 0, 1, time.Now()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	after, err := meta.GetBlob(bucketID, "only")
	if err != nil {
		t.Fatalf("GetBlob after: %v", err)
	}
	if after.Refs[0].DeviceID != 0 {
		t.Errorf("cancelled migration should leave blob on source device, found on %d", after.Refs[0].DeviceID)
	}
}
