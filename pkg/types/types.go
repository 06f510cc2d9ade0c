// Package types holds the data-model entities shared across Hermes
// components (device, buffer pool, metadata store, page translator) so that
// no package needs to import another's internals just to describe a blob or
// a device.
package types

import "time"

// InterfaceKind is the storage tier transport a Device speaks.
type InterfaceKind string

const (
	InterfaceRAM   InterfaceKind = "ram"
	InterfacePOSIX InterfaceKind = "posix"
	InterfaceCloud InterfaceKind = "cloud"
)

// AdapterMode controls how the Filesystem Engine relates a bucket's
// buffered blobs to its backing file.
type AdapterMode string

const (
	ModeDefault  AdapterMode = "default"
	ModeBypass   AdapterMode = "bypass"
	ModeScratch  AdapterMode = "scratch"
	ModeWorkflow AdapterMode = "workflow"
)

// PlacementPolicy selects a Data Placement Engine strategy.
type PlacementPolicy string

const (
	PolicyRandom          PlacementPolicy = "random"
	PolicyRoundRobin      PlacementPolicy = "round_robin"
	PolicyMinimizeIOTime  PlacementPolicy = "minimize_io_time"
)

// FlushingMode controls whether BORG's periodic flush runs synchronously
// with a default-mode Sync or on its own background cadence.
type FlushingMode string

const (
	FlushSync  FlushingMode = "sync"
	FlushAsync FlushingMode = "async"
)

// Device is one configured storage tier instance. Devices are created at
// system init from configuration and are immutable thereafter; id is stable
// for the process lifetime.
type Device struct {
	ID              int
	Name            string
	Interface       InterfaceKind
	MountPoint      string
	Capacity        int64
	BlockSize       int64
	Bandwidth       float64 // bytes/sec, advertised
	Latency         time.Duration
	IsShared        bool
	BorgMinThresh   float64 // occupancy ratio below which BORG promotes in
	BorgMaxThresh   float64 // occupancy ratio above which BORG evicts out
	SlabSizes       []int64 // strictly increasing, each a multiple of BlockSize
}

// BufferRef is a reference to one fixed-size region on a Device, carrying
// the blob-relative offset and length it services.
type BufferRef struct {
	BufferID   int64
	DeviceID   int
	BlobOffset int64
	Length     int64
}

// AccessStats tracks the recency/frequency signal BORG scores blobs on.
type AccessStats struct {
	LastAccess  time.Time
	AccessCount int64
}

// Blob is a named byte sequence attached to a bucket; its BufferRefs tile
// [0, Size) without overlap.
type Blob struct {
	ID         int64
	Name       string
	BucketID   int64
	Size       int64
	Refs       []BufferRef
	Stats      AccessStats
	Score      float64
}

// Bucket is a named container of blobs, one per intercepted file for
// file-backed buckets.
type Bucket struct {
	ID       int64
	Name     string
	PageSize int64
	Mode     AdapterMode
	BlobIDs  map[string]int64 // blob name -> blob id
	RefCount int
	// Size is the bucket's logical file size; independent of which pages are
	// actually resident (a sparse/scratch bucket still needs this for
	// Seek(whence=end)).
	Size int64
}

// Trait is a user-provided observer invoked on blob lifecycle events. It may
// not mutate buffer lists directly.
type Trait interface {
	OnLink(vbucketID int64, blobID int64)
	OnUnlink(vbucketID int64, blobID int64)
	OnGet(blobID int64)
	OnModify(blobID int64)
}

// VBucket is a named set of blob references plus an ordered list of
// attached Traits, independent of any one bucket's lifetime.
type VBucket struct {
	ID      int64
	Name    string
	BlobIDs map[int64]bool
	Traits  []Trait
}

// ScheduleEntry is one (device, bytes) pair of a DPE placement decision; a
// schedule is an ordered list of entries whose bytes sum to the requested
// payload size.
type ScheduleEntry struct {
	DeviceID int
	Bytes    int64
}
