// Package bufferpool implements the per-device free-list allocator (C2):
// given a device and a byte count, produce a vector of BufferRefs drawn
// from that device's slab classes, or report OUT_OF_SPACE. Grounded on the
// teacher's internal/buffer/pool.go BytePool (bucketed sync.Pool sizing),
// generalized from a recyclable byte-slice pool to an explicit allocator
// over fixed device-resident regions — sync.Pool itself doesn't fit here
// because a Buffer's identity (device, offset) must survive after release,
// not just its backing array.
package bufferpool

import (
	"fmt"
	"sort"
	"sync"

	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// slab is one fixed-size buffer slot on a device.
type slab struct {
	bufferID int64
	offset   int64
	size     int64
}

// classFreeList is the free-list for one slab size class on one device.
type classFreeList struct {
	size int64
	free []slab // LIFO
}

// devicePool holds every slab class for one device plus its occupancy
// counter, all under one lock (spec: "per-device lock sufficient; cross-
// device operations need no global lock").
type devicePool struct {
	mu          sync.Mutex
	deviceID    int
	capacity    int64
	classes     []*classFreeList // descending by size
	allocated   map[int64]slab   // bufferID -> slot, for release bookkeeping
	bytesInUse  int64
	nextBufID   int64
}

// Pool is the buffer pool across every configured device.
type Pool struct {
	mu      sync.RWMutex
	devices map[int]*devicePool
}

// New constructs an empty pool.
func New() *Pool {
	return &Pool{devices: make(map[int]*devicePool)}
}

// AddDevice initializes one device's free-lists from its resolved slab
// layout. slabSizes must be strictly increasing; unitsPerClass gives the
// buffer count to carve out of each class, and their total bytes must not
// exceed capacity.
func (p *Pool) AddDevice(deviceID int, capacity int64, slabSizes []int64, unitsPerClass []int) error {
	if len(slabSizes) != len(unitsPerClass) {
		return herrors.New(herrors.ErrCodeConfigInvalid, "slab size/unit count mismatch").WithComponent("bufferpool").WithOperation("add_device")
	}
	for i := 1; i < len(slabSizes); i++ {
		if slabSizes[i] <= slabSizes[i-1] {
			return herrors.New(herrors.ErrCodeConfigInvalid, "slab sizes must be strictly increasing").WithComponent("bufferpool").WithOperation("add_device")
		}
	}

	dp := &devicePool{deviceID: deviceID, capacity: capacity, allocated: make(map[int64]slab)}

	var offset int64
	var total int64
	for i, size := range slabSizes {
		cf := &classFreeList{size: size}
		for u := 0; u < unitsPerClass[i]; u++ {
			id := dp.nextBufID
			dp.nextBufID++
			cf.free = append(cf.free, slab{bufferID: id, offset: offset, size: size})
			offset += size
			total += size
		}
		dp.classes = append(dp.classes, cf)
	}
	if total > capacity {
		return herrors.New(herrors.ErrCodeConfigInvalid, "slab layout exceeds device capacity").
			WithComponent("bufferpool").WithOperation("add_device").
			WithContext("total_bytes", fmt.Sprintf("%d", total)).
			WithContext("capacity", fmt.Sprintf("%d", capacity))
	}
	// Descending by size, per the greedy largest-slab-first reserve order.
	sort.Slice(dp.classes, func(i, j int) bool { return dp.classes[i].size > dp.classes[j].size })

	p.mu.Lock()
	p.devices[deviceID] = dp
	p.mu.Unlock()
	return nil
}

func (p *Pool) device(deviceID int) (*devicePool, error) {
	p.mu.RLock()
	dp, ok := p.devices[deviceID]
	p.mu.RUnlock()
	if !ok {
		return nil, herrors.New(herrors.ErrCodeConfigInvalid, fmt.Sprintf("unknown device id %d", deviceID)).WithComponent("bufferpool")
	}
	return dp, nil
}

// Reserve draws buffers from deviceID's free-lists summing to byteCount,
// greedy largest-slab-first. When remaining need is smaller than the
// smallest slab class, one smallest-slab buffer is allocated anyway
// (fragmentation accepted). On any shortfall mid-way, every popped slab is
// pushed back before returning OUT_OF_SPACE — reserve is all-or-nothing.
func (p *Pool) Reserve(deviceID int, byteCount int64) ([]types.BufferRef, error) {
	dp, err := p.device(deviceID)
	if err != nil {
		return nil, err
	}
	if byteCount <= 0 {
		return nil, herrors.New(herrors.ErrCodeInvalidArgument, "byteCount must be positive").WithComponent("bufferpool").WithOperation("reserve")
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()

	var popped []slab
	remaining := byteCount

	rollback := func() {
		for _, s := range popped {
			for _, cf := range dp.classes {
				if cf.size == s.size {
					cf.free = append(cf.free, s)
					break
				}
			}
		}
	}

	smallest := dp.classes[len(dp.classes)-1].size

	for remaining > 0 {
		if remaining < smallest {
			// Smaller than the smallest slab: take one smallest-slab buffer
			// anyway and stop (internal fragmentation accepted).
			cf := dp.classes[len(dp.classes)-1]
			if len(cf.free) == 0 {
				rollback()
				return nil, herrors.New(herrors.ErrCodeOutOfSpace, "device out of space").WithComponent("bufferpool").WithOperation("reserve")
			}
			s := cf.free[len(cf.free)-1]
			cf.free = cf.free[:len(cf.free)-1]
			popped = append(popped, s)
			remaining = 0
			break
		}

		placed := false
		for _, cf := range dp.classes {
			if cf.size > remaining {
				continue
			}
			if len(cf.free) == 0 {
				continue
			}
			s := cf.free[len(cf.free)-1]
			cf.free = cf.free[:len(cf.free)-1]
			popped = append(popped, s)
			remaining -= cf.size
			placed = true
			break
		}
		if !placed {
			// remaining >= smallest, but every class with size <= remaining
			// (including the smallest) is exhausted. Larger classes are not
			// used for the rest of the request, even if they still have
			// free slabs, so the whole reservation fails.
			rollback()
			return nil, herrors.New(herrors.ErrCodeOutOfSpace, "device out of space").WithComponent("bufferpool").WithOperation("reserve")
		}
	}

	refs := make([]types.BufferRef, 0, len(popped))
	var blobOffset int64
	for _, s := range popped {
		dp.allocated[s.bufferID] = s
		length := s.size
		if blobOffset+length > byteCount {
			length = byteCount - blobOffset
		}
		refs = append(refs, types.BufferRef{
			BufferID:   s.bufferID,
			DeviceID:   deviceID,
			BlobOffset: blobOffset,
			Length:     length,
		})
		blobOffset += s.size
		dp.bytesInUse += s.size
	}
	return refs, nil
}

// Release pushes each buffer in refs back onto its device's free-list.
// Buffers from different devices may appear in the same slice; each is
// routed to its own device's lock.
func (p *Pool) Release(refs []types.BufferRef) error {
	byDevice := make(map[int][]types.BufferRef)
	for _, r := range refs {
		byDevice[r.DeviceID] = append(byDevice[r.DeviceID], r)
	}
	for deviceID, drefs := range byDevice {
		dp, err := p.device(deviceID)
		if err != nil {
			return err
		}
		dp.mu.Lock()
		for _, r := range drefs {
			s, ok := dp.allocated[r.BufferID]
			if !ok {
				dp.mu.Unlock()
				return herrors.New(herrors.ErrCodeNotFound, "release of unknown buffer").
					WithComponent("bufferpool").WithOperation("release").
					WithContext("buffer_id", fmt.Sprintf("%d", r.BufferID)).
					WithContext("device_id", fmt.Sprintf("%d", deviceID))
			}
			delete(dp.allocated, r.BufferID)
			dp.bytesInUse -= s.size
			for _, cf := range dp.classes {
				if cf.size == s.size {
					cf.free = append(cf.free, s)
					break
				}
			}
		}
		dp.mu.Unlock()
	}
	return nil
}

// Occupancy returns bytes_allocated / capacity for deviceID.
func (p *Pool) Occupancy(deviceID int) (float64, error) {
	dp, err := p.device(deviceID)
	if err != nil {
		return 0, err
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.capacity == 0 {
		return 0, nil
	}
	return float64(dp.bytesInUse) / float64(dp.capacity), nil
}

// Offset returns the physical byte offset of bufferID on deviceID, for
// device clients to read/write against. Valid only while the buffer is
// reserved (between Reserve and the matching Release).
func (p *Pool) Offset(deviceID int, bufferID int64) (int64, error) {
	dp, err := p.device(deviceID)
	if err != nil {
		return 0, err
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	s, ok := dp.allocated[bufferID]
	if !ok {
		return 0, herrors.New(herrors.ErrCodeNotFound, "buffer not currently reserved").WithComponent("bufferpool").WithOperation("offset")
	}
	return s.offset, nil
}

// BytesAllocated returns the raw occupied byte count for deviceID.
func (p *Pool) BytesAllocated(deviceID int) (int64, error) {
	dp, err := p.device(deviceID)
	if err != nil {
		return 0, err
	}
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.bytesInUse, nil
}
