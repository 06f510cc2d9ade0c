package placement

import (
	"testing"
	"time"

	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// fakeMetrics records calls without any Prometheus dependency, so this
// package can assert on DPE's metrics wiring without importing pkg/metrics.
type fakeMetrics struct {
	placements int
	failures   int
	lastPolicy types.PlacementPolicy
}

func (f *fakeMetrics) RecordPlacement(policy types.PlacementPolicy, deviceID int, bytes int64) {
	f.placements++
	f.lastPolicy = policy
}
func (f *fakeMetrics) RecordPlacementFailure(policy types.PlacementPolicy) {
	f.failures++
	f.lastPolicy = policy
}
func (f *fakeMetrics) RecordBufferOccupancy(deviceID int, ratio float64)     {}
func (f *fakeMetrics) RecordCacheHit(bucketID int64)                        {}
func (f *fakeMetrics) RecordCacheMiss(bucketID int64)                       {}
func (f *fakeMetrics) RecordMigration(from, to int, bytes int64, d time.Duration) {}
func (f *fakeMetrics) RecordFlush(bucketID int64, bytes int64, d time.Duration)   {}

func occupancyMap(m map[int]float64) OccupancyFunc {
	return func(deviceID int) (float64, error) {
		return m[deviceID], nil
	}
}

// TestPlacementSpill reproduces the literal "Placement spill" scenario: ram
// is full at capacity 1024, nvme is empty at capacity 2048, policy is
// minimize_io_time, payload is 1024 bytes; expect the whole payload routed
// to nvme.
func TestPlacementSpill(t *testing.T) {
	devs := []types.Device{
		{ID: 0, Name: "ram", Capacity: 1024, Bandwidth: 10_000_000_000, BorgMaxThresh: 0.9},
		{ID: 1, Name: "nvme", Capacity: 2048, Bandwidth: 2_000_000_000, BorgMaxThresh: 0.9},
	}
	occ := occupancyMap(map[int]float64{0: 1.0, 1: 0.0})
	e := New(devs, occ, nil)

	sched, err := e.Schedule(1024, types.PolicyMinimizeIOTime, false, 0)
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if len(sched) != 1 || sched[0].DeviceID != 1 || sched[0].Bytes != 1024 {
		t.Errorf("Schedule = %+v, want [(nvme,1024)]", sched)
	}
}

func TestScheduleSumsToPayload(t *testing.T) {
	devs := []types.Device{
		{ID: 0, Name: "a", Capacity: 1000, Bandwidth: 1, BorgMaxThresh: 1.0},
		{ID: 1, Name: "b", Capacity: 1000, Bandwidth: 2, BorgMaxThresh: 1.0},
	}
	occ := occupancyMap(map[int]float64{0: 0, 1: 0})

	for _, policy := range []types.PlacementPolicy{types.PolicyRandom, types.PolicyRoundRobin, types.PolicyMinimizeIOTime} {
		e := New(devs, occ, nil)
		sched, err := e.Schedule(1500, policy, true, 100)
		if err != nil {
			t.Fatalf("policy %s: Schedule error: %v", policy, err)
		}
		var sum int64
		for _, entry := range sched {
			if entry.Bytes <= 0 {
				t.Errorf("policy %s: entry with non-positive bytes: %+v", policy, entry)
			}
			sum += entry.Bytes
		}
		if sum != 1500 {
			t.Errorf("policy %s: sum = %d, want 1500", policy, sum)
		}
	}
}

func TestScheduleNoPlacementWhenAllAtCapacity(t *testing.T) {
	devs := []types.Device{
		{ID: 0, Name: "a", Capacity: 1024, Bandwidth: 1, BorgMaxThresh: 0.9},
	}
	occ := occupancyMap(map[int]float64{0: 0.95})
	e := New(devs, occ, nil)

	_, err := e.Schedule(512, types.PolicyRandom, false, 0)
	if err == nil {
		t.Fatal("expected NoPlacement error")
	}
	if !herrors.IsCode(err, herrors.ErrCodeNoPlacement) {
		t.Errorf("expected ErrCodeNoPlacement, got %v", err)
	}
}

func TestScheduleMinimizeIOTimeOrdersByBandwidth(t *testing.T) {
	devs := []types.Device{
		{ID: 0, Name: "slow", Capacity: 2048, Bandwidth: 1, BorgMaxThresh: 1.0},
		{ID: 1, Name: "fast", Capacity: 2048, Bandwidth: 100, BorgMaxThresh: 1.0},
	}
	occ := occupancyMap(map[int]float64{0: 0, 1: 0})
	e := New(devs, occ, nil)

	sched, err := e.Schedule(1024, types.PolicyMinimizeIOTime, false, 0)
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if len(sched) != 1 || sched[0].DeviceID != 1 {
		t.Errorf("expected entire payload on the faster device, got %+v", sched)
	}
}

func TestScheduleRoundRobinRotatesAcrossCalls(t *testing.T) {
	devs := []types.Device{
		{ID: 0, Name: "a", Capacity: 1_000_000, Bandwidth: 1, BorgMaxThresh: 1.0},
		{ID: 1, Name: "b", Capacity: 1_000_000, Bandwidth: 1, BorgMaxThresh: 1.0},
	}
	occ := occupancyMap(map[int]float64{0: 0, 1: 0})
	e := New(devs, occ, nil)

	first, err := e.Schedule(100, types.PolicyRoundRobin, false, 0)
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	second, err := e.Schedule(100, types.PolicyRoundRobin, false, 0)
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if first[0].DeviceID == second[0].DeviceID {
		t.Errorf("expected rotor to advance between calls, got %d twice", first[0].DeviceID)
	}
}

func TestScheduleRejectsNonPositivePayload(t *testing.T) {
	devs := []types.Device{{ID: 0, Capacity: 1024, BorgMaxThresh: 1.0}}
	e := New(devs, occupancyMap(map[int]float64{0: 0}), nil)
	if _, err := e.Schedule(0, types.PolicyRandom, false, 0); err == nil {
		t.Fatal("expected error for zero payload size")
	}
}

func TestScheduleRecordsPlacementMetric(t *testing.T) {
	devs := []types.Device{
		{ID: 0, Name: "a", Capacity: 1000, Bandwidth: 1, BorgMaxThresh: 1.0},
	}
	fm := &fakeMetrics{}
	e := New(devs, occupancyMap(map[int]float64{0: 0}), fm)

	if _, err := e.Schedule(100, types.PolicyRandom, false, 0); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if fm.placements != 1 {
		t.Errorf("placements = %d, want 1", fm.placements)
	}
	if fm.lastPolicy != types.PolicyRandom {
		t.Errorf("lastPolicy = %v, want %v", fm.lastPolicy, types.PolicyRandom)
	}
}

func TestScheduleRecordsPlacementFailureMetric(t *testing.T) {
	devs := []types.Device{
		{ID: 0, Name: "a", Capacity: 1024, Bandwidth: 1, BorgMaxThresh: 0.9},
	}
	fm := &fakeMetrics{}
	e := New(devs, occupancyMap(map[int]float64{0: 0.95}), fm)

	if _, err := e.Schedule(512, types.PolicyRandom, false, 0); err == nil {
		t.Fatal("expected NoPlacement error")
	}
	if fm.failures != 1 {
		t.Errorf("failures = %d, want 1", fm.failures)
	}
}
