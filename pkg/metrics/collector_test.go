package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

func TestNewCollectorDisabledByDefault(t *testing.T) {
	c, err := NewCollector(nil)
	if err != nil {
		t.Fatalf("NewCollector(nil) error = %v", err)
	}
	if c.config.Enabled {
		t.Fatal("nil config should yield a disabled collector")
	}
	// Recording on a disabled collector must not panic even though no
	// Prometheus vectors were ever registered.
	c.RecordCacheHit(1)
	c.RecordPlacementFailure(types.PolicyRandom)
}

func newEnabledCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "hermes_test"})
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c
}

func TestRecordPlacement(t *testing.T) {
	c := newEnabledCollector(t)
	c.RecordPlacement(types.PolicyRoundRobin, 2, 4096)

	if got := testutil.ToFloat64(c.placementCounter.WithLabelValues("round_robin", "2")); got != 1 {
		t.Errorf("placement counter = %f, want 1", got)
	}
	if got := testutil.ToFloat64(c.placementBytes.WithLabelValues("round_robin", "2")); got != 4096 {
		t.Errorf("placement bytes = %f, want 4096", got)
	}
}

func TestRecordPlacementFailure(t *testing.T) {
	c := newEnabledCollector(t)
	c.RecordPlacementFailure(types.PolicyMinimizeIOTime)
	c.RecordPlacementFailure(types.PolicyMinimizeIOTime)

	if got := testutil.ToFloat64(c.placementFailure.WithLabelValues("minimize_io_time")); got != 2 {
		t.Errorf("placement failure counter = %f, want 2", got)
	}
}

func TestRecordBufferOccupancy(t *testing.T) {
	c := newEnabledCollector(t)
	c.RecordBufferOccupancy(0, 0.75)
	if got := testutil.ToFloat64(c.bufferOccupancy.WithLabelValues("0")); got != 0.75 {
		t.Errorf("occupancy gauge = %f, want 0.75", got)
	}
}

func TestRecordCacheHitMiss(t *testing.T) {
	c := newEnabledCollector(t)
	c.RecordCacheHit(7)
	c.RecordCacheHit(7)
	c.RecordCacheMiss(7)

	if got := testutil.ToFloat64(c.cacheHitCounter.WithLabelValues("7")); got != 2 {
		t.Errorf("cache hit counter = %f, want 2", got)
	}
	if got := testutil.ToFloat64(c.cacheMissCounter.WithLabelValues("7")); got != 1 {
		t.Errorf("cache miss counter = %f, want 1", got)
	}
}

func TestRecordMigration(t *testing.T) {
	c := newEnabledCollector(t)
	c.RecordMigration(0, 1, 1024, 50*time.Millisecond)

	if got := testutil.ToFloat64(c.migrationCounter.WithLabelValues("0", "1")); got != 1 {
		t.Errorf("migration counter = %f, want 1", got)
	}
	if got := testutil.ToFloat64(c.migrationBytes.WithLabelValues("0", "1")); got != 1024 {
		t.Errorf("migration bytes = %f, want 1024", got)
	}
}

func TestRecordFlush(t *testing.T) {
	c := newEnabledCollector(t)
	c.RecordFlush(3, 2048, 10*time.Millisecond)

	if got := testutil.ToFloat64(c.flushCounter.WithLabelValues("3")); got != 1 {
		t.Errorf("flush counter = %f, want 1", got)
	}
	if got := testutil.ToFloat64(c.flushBytes.WithLabelValues("3")); got != 2048 {
		t.Errorf("flush bytes = %f, want 2048", got)
	}
}

func TestStartStopDisabledIsNoop(t *testing.T) {
	c, err := NewCollector(nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start on disabled collector: %v", err)
	}
	if err := c.Stop(nil); err != nil {
		t.Fatalf("Stop on disabled collector: %v", err)
	}
}
