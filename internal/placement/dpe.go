// Package placement implements the Data Placement Engine (C4): given a
// payload size and the current device state, produce an ordered
// device->size schedule under one of three policies. Grounded on the
// teacher's internal/storage/s3/cost_optimizer.go and tiers.go (per-tier
// attributes driving a selection decision) — Hermes's bandwidth/latency
// heuristic plays the role the teacher's cost-per-GB table plays there.
package placement

import (
	"math/rand"
	"sort"
	"sync"

	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// OccupancyFunc reports a device's current occupancy ratio, typically
// bufferpool.Pool.Occupancy.
type OccupancyFunc func(deviceID int) (float64, error)

// Engine holds the static device attributes and the round-robin rotor
// state; it is safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	devices []types.Device // order is insertion order; round-robin rotor walks this slice
	rotor   int

	occupancy OccupancyFunc
	metrics   types.MetricsCollector // nil-safe: metrics recording is skipped if absent
}

// New constructs an Engine over devices, querying current occupancy via
// occupancy. metrics may be nil.
func New(devices []types.Device, occupancy OccupancyFunc, metrics types.MetricsCollector) *Engine {
	return &Engine{devices: devices, occupancy: occupancy, metrics: metrics}
}

// eligible returns devices whose current occupancy is below their BORG max
// threshold, alongside each one's remaining capacity in bytes.
func (e *Engine) eligible() ([]types.Device, []int64, error) {
	var devs []types.Device
	var remaining []int64
	for _, d := range e.devices {
		occ, err := e.occupancy(d.ID)
		if err != nil {
			return nil, nil, err
		}
		if occ < d.BorgMaxThresh {
			devs = append(devs, d)
			remaining = append(remaining, int64(float64(d.Capacity)*(d.BorgMaxThresh-occ)))
		}
	}
	return devs, remaining, nil
}

// Schedule produces a device->size placement for payloadSize bytes under
// policy. Every returned entry has Bytes > 0 and the entries sum to
// payloadSize (the DPE sum property).
func (e *Engine) Schedule(payloadSize int64, policy types.PlacementPolicy, rrSplit bool, minChunk int64) ([]types.ScheduleEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if payloadSize <= 0 {
		return nil, herrors.New(herrors.ErrCodeInvalidArgument, "payload size must be positive").WithComponent("placement")
	}

	devs, remaining, err := e.eligible()
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		e.recordFailure(policy)
		return nil, herrors.New(herrors.ErrCodeNoPlacement, "no eligible device").WithComponent("placement").WithOperation(string(policy))
	}

	sched, err := e.schedule(payloadSize, policy, rrSplit, minChunk, devs, remaining)
	if err != nil {
		e.recordFailure(policy)
		return nil, err
	}
	if e.metrics != nil {
		for _, entry := range sched {
			e.metrics.RecordPlacement(policy, entry.DeviceID, entry.Bytes)
		}
	}
	return sched, nil
}

func (e *Engine) schedule(payloadSize int64, policy types.PlacementPolicy, rrSplit bool, minChunk int64, devs []types.Device, remaining []int64) ([]types.ScheduleEntry, error) {
	switch policy {
	case types.PolicyRandom:
		return e.scheduleRandom(payloadSize, devs, remaining)
	case types.PolicyRoundRobin:
		return e.scheduleRoundRobin(payloadSize, devs, remaining, rrSplit, minChunk)
	case types.PolicyMinimizeIOTime:
		sched, err := e.scheduleMinimizeIOTime(payloadSize, devs, remaining)
		if err == nil {
			return sched, nil
		}
		// LP infeasible: fall back to random, per spec.
		return e.scheduleRandom(payloadSize, devs, remaining)
	default:
		return nil, herrors.New(herrors.ErrCodeConfigInvalid, "unknown placement policy").WithComponent("placement")
	}
}

func (e *Engine) recordFailure(policy types.PlacementPolicy) {
	if e.metrics != nil {
		e.metrics.RecordPlacementFailure(policy)
	}
}

// scheduleRandom picks one eligible device uniformly; if the payload
// doesn't fit, spills the remainder to another random eligible device, and
// fails with NoPlacement if none remain.
func (e *Engine) scheduleRandom(payloadSize int64, devs []types.Device, remaining []int64) ([]types.ScheduleEntry, error) {
	idx := make([]int, len(devs))
	for i := range idx {
		idx[i] = i
	}
	rand.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	var out []types.ScheduleEntry
	need := payloadSize
	for _, i := range idx {
		if need <= 0 {
			break
		}
		take := remaining[i]
		if take <= 0 {
			continue
		}
		if take > need {
			take = need
		}
		out = append(out, types.ScheduleEntry{DeviceID: devs[i].ID, Bytes: take})
		need -= take
	}
	if need > 0 {
		return nil, herrors.New(herrors.ErrCodeNoPlacement, "insufficient eligible capacity").WithComponent("placement").WithOperation("random")
	}
	return out, nil
}

// scheduleRoundRobin walks the shared rotor, optionally splitting the
// payload into N chunks bounded by eligible device count and minChunk.
func (e *Engine) scheduleRoundRobin(payloadSize int64, devs []types.Device, remaining []int64, rrSplit bool, minChunk int64) ([]types.ScheduleEntry, error) {
	n := 1
	if rrSplit {
		n = len(devs)
		if minChunk > 0 {
			maxChunks := int(payloadSize / minChunk)
			if maxChunks < 1 {
				maxChunks = 1
			}
			if n > maxChunks {
				n = maxChunks
			}
		}
	}

	chunkSize := payloadSize / int64(n)
	chunks := make([]int64, n)
	for i := range chunks {
		chunks[i] = chunkSize
	}
	chunks[n-1] += payloadSize - chunkSize*int64(n) // remainder to last chunk

	var out []types.ScheduleEntry
	attempts := 0
	for _, want := range chunks {
		if want == 0 {
			continue
		}
		placed := false
		for attempts < len(devs)*2 {
			i := e.rotor % len(devs)
			e.rotor++
			attempts++
			if remaining[i] >= want {
				out = append(out, types.ScheduleEntry{DeviceID: devs[i].ID, Bytes: want})
				remaining[i] -= want
				placed = true
				break
			}
		}
		if !placed {
			return nil, herrors.New(herrors.ErrCodeNoPlacement, "round robin rotor exhausted").WithComponent("placement").WithOperation("round_robin")
		}
	}
	return out, nil
}

// scheduleMinimizeIOTime is the reference heuristic for the
// "minimize sum(bytes_i/bandwidth_i + latency_i*indicator) subject to
// sum(bytes_i) = payload" LP: fill devices in decreasing bandwidth order up
// to their remaining capacity.
func (e *Engine) scheduleMinimizeIOTime(payloadSize int64, devs []types.Device, remaining []int64) ([]types.ScheduleEntry, error) {
	type cand struct {
		dev       types.Device
		remaining int64
	}
	cands := make([]cand, len(devs))
	for i := range devs {
		cands[i] = cand{dev: devs[i], remaining: remaining[i]}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dev.Bandwidth > cands[j].dev.Bandwidth })

	var out []types.ScheduleEntry
	need := payloadSize
	for _, c := range cands {
		if need <= 0 {
			break
		}
		if c.remaining <= 0 {
			continue
		}
		take := c.remaining
		if take > need {
			take = need
		}
		out = append(out, types.ScheduleEntry{DeviceID: c.dev.ID, Bytes: take})
		need -= take
	}
	if need > 0 {
		return nil, herrors.New(herrors.ErrCodeNoPlacement, "insufficient eligible capacity for minimize_io_time").WithComponent("placement").WithOperation("minimize_io_time")
	}
	return out, nil
}
