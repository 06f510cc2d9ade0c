// Package metadata implements the Metadata Store (C3): the Bucket, Blob,
// Trait, and VBucket maps with the concurrency rules from the spec's
// concurrency model. Grounded on the teacher's internal/cache/lru.go
// (map + mutex + stats bookkeeping shape) and internal/distributed/cluster.go
// (per-entity id/status record pattern), generalized from a single cache
// map to the bucket/blob ownership hierarchy.
package metadata

import (
	"sync"
	"sync/atomic"
	"time"

	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// bucketEntry bundles a Bucket with the lock that serializes structural
// changes to its blob set. One RWMutex per bucket, as the concurrency
// model requires; blob reads take RLock, blob writes/deletes take Lock so
// that writes to the same (bucket, name) are serialized while reads of
// distinct blobs still run in parallel with each other.
type bucketEntry struct {
	mu     sync.RWMutex
	bucket types.Bucket
	blobs  map[string]*types.Blob // blob name -> blob, owned by this bucket
}

// Store is the Metadata Store. Its directory lock (mu) guards only the
// name->id maps; per-bucket state lives behind each bucketEntry's own lock,
// so two different buckets never contend with each other.
type Store struct {
	mu              sync.RWMutex
	bucketNameToID  map[string]int64
	buckets         map[int64]*bucketEntry
	vbuckets        map[int64]*types.VBucket
	vbucketNameToID map[string]int64

	nextBucketID  int64
	nextBlobID    int64 // allocated via atomic, so s.mu is not needed for it
	nextVBucketID int64
}

// New returns an empty store, optionally sized from the mdm configuration
// section's est_blob_count/est_num_traits hints.
func New(estBlobCount, estNumTraits int) *Store {
	return &Store{
		bucketNameToID:  make(map[string]int64),
		buckets:         make(map[int64]*bucketEntry, estBlobCount/8+1),
		vbuckets:        make(map[int64]*types.VBucket, estNumTraits+1),
		vbucketNameToID: make(map[string]int64),
	}
}

// GetOrCreateBucket returns the id of the bucket named name, creating it
// with pageSize/mode if absent. page_size is sticky: it is ignored on an
// existing bucket.
func (s *Store) GetOrCreateBucket(name string, pageSize int64, mode types.AdapterMode) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.bucketNameToID[name]; ok {
		be := s.buckets[id]
		be.mu.Lock()
		be.bucket.RefCount++
		be.mu.Unlock()
		return id, nil
	}

	id := s.nextBucketID
	s.nextBucketID++
	be := &bucketEntry{
		bucket: types.Bucket{
			ID:       id,
			Name:     name,
			PageSize: pageSize,
			Mode:     mode,
			BlobIDs:  make(map[string]int64),
			RefCount: 1,
		},
		blobs: make(map[string]*types.Blob),
	}
	s.buckets[id] = be
	s.bucketNameToID[name] = id
	return id, nil
}

// LookupBucket returns the id of the bucket named name without creating it.
func (s *Store) LookupBucket(name string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bucketNameToID[name]
	return id, ok
}

func (s *Store) bucketEntry(bucketID int64) (*bucketEntry, error) {
	s.mu.RLock()
	be, ok := s.buckets[bucketID]
	s.mu.RUnlock()
	if !ok {
		return nil, herrors.New(herrors.ErrCodeNotFound, "bucket not found").WithComponent("metadata")
	}
	return be, nil
}

// BucketByID returns a snapshot of the bucket's attributes (not its blob
// map) for callers that only need page size / mode / size.
func (s *Store) BucketByID(bucketID int64) (types.Bucket, error) {
	be, err := s.bucketEntry(bucketID)
	if err != nil {
		return types.Bucket{}, err
	}
	be.mu.RLock()
	defer be.mu.RUnlock()
	return be.bucket, nil
}

// SetBucketSize updates the bucket's logical file size, used by the Page
// Translator when a write extends past the current end.
func (s *Store) SetBucketSize(bucketID int64, size int64) error {
	be, err := s.bucketEntry(bucketID)
	if err != nil {
		return err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	be.bucket.Size = size
	return nil
}

// DestroyBucket removes the bucket and every blob it owns, returning the
// full set of BufferRefs the caller must release back to the buffer pool.
func (s *Store) DestroyBucket(bucketID int64) ([]types.BufferRef, error) {
	s.mu.Lock()
	be, ok := s.buckets[bucketID]
	if !ok {
		s.mu.Unlock()
		return nil, herrors.New(herrors.ErrCodeNotFound, "bucket not found").WithComponent("metadata")
	}
	delete(s.buckets, bucketID)
	delete(s.bucketNameToID, be.bucket.Name)
	s.mu.Unlock()

	be.mu.Lock()
	defer be.mu.Unlock()
	var freed []types.BufferRef
	for _, blob := range be.blobs {
		freed = append(freed, blob.Refs...)
	}
	return freed, nil
}

// PutOrUpdateBlob replaces the named blob's buffer list wholesale. Any
// buffers the blob previously held that are not in newRefs are returned to
// the caller for release after this call returns (the Store never frees
// buffers itself).
func (s *Store) PutOrUpdateBlob(bucketID int64, name string, newRefs []types.BufferRef, newSize int64) (int64, []types.BufferRef, error) {
	be, err := s.bucketEntry(bucketID)
	if err != nil {
		return 0, nil, err
	}

	be.mu.Lock()
	defer be.mu.Unlock()

	existing, had := be.blobs[name]
	var toFree []types.BufferRef
	var blobID int64
	if had {
		toFree = existing.Refs
		blobID = existing.ID
		existing.Refs = newRefs
		existing.Size = newSize
	} else {
		blobID = atomic.AddInt64(&s.nextBlobID, 1) - 1
		be.blobs[name] = &types.Blob{
			ID:       blobID,
			Name:     name,
			BucketID: bucketID,
			Size:     newSize,
			Refs:     newRefs,
		}
		be.bucket.BlobIDs[name] = blobID
	}
	return blobID, toFree, nil
}

// GetBlob looks up a blob by (bucketID, name). Returns a typed NotFound
// error, not a fault, when absent.
func (s *Store) GetBlob(bucketID int64, name string) (types.Blob, error) {
	be, err := s.bucketEntry(bucketID)
	if err != nil {
		return types.Blob{}, err
	}
	be.mu.RLock()
	defer be.mu.RUnlock()
	blob, ok := be.blobs[name]
	if !ok {
		return types.Blob{}, herrors.New(herrors.ErrCodeNotFound, "blob not found").WithComponent("metadata")
	}
	return *blob, nil
}

// DeleteBlob removes the named blob and returns the BufferRefs it held for
// the caller to release.
func (s *Store) DeleteBlob(bucketID int64, name string) ([]types.BufferRef, error) {
	be, err := s.bucketEntry(bucketID)
	if err != nil {
		return nil, err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	blob, ok := be.blobs[name]
	if !ok {
		return nil, herrors.New(herrors.ErrCodeNotFound, "blob not found").WithComponent("metadata")
	}
	delete(be.blobs, name)
	delete(be.bucket.BlobIDs, name)
	return blob.Refs, nil
}

// TouchBlob updates a blob's access statistics. Called from both the read
// and write hot paths so BORG's recency/frequency score is meaningful.
func (s *Store) TouchBlob(bucketID int64, name string, now time.Time) error {
	be, err := s.bucketEntry(bucketID)
	if err != nil {
		return err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	blob, ok := be.blobs[name]
	if !ok {
		return herrors.New(herrors.ErrCodeNotFound, "blob not found").WithComponent("metadata")
	}
	blob.Stats.LastAccess = now
	blob.Stats.AccessCount++
	return nil
}

// SetBlobScore is used by BORG after recomputing a blob's recency/frequency
// score during a reorg pass.
func (s *Store) SetBlobScore(bucketID int64, name string, score float64) error {
	be, err := s.bucketEntry(bucketID)
	if err != nil {
		return err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	blob, ok := be.blobs[name]
	if !ok {
		return herrors.New(herrors.ErrCodeNotFound, "blob not found").WithComponent("metadata")
	}
	blob.Score = score
	return nil
}

// DeviceBlob identifies one blob by its owning bucket and name alongside a
// snapshot of its data, used by BORG to find eviction/promotion candidates.
type DeviceBlob struct {
	BucketID int64
	Name     string
	Blob     types.Blob
}

// AllBlobs returns a snapshot of every blob in every bucket. Intended for
// BORG's periodic scan; callers should expect this to be O(blob count).
func (s *Store) AllBlobs() []DeviceBlob {
	s.mu.RLock()
	entries := make([]*bucketEntry, 0, len(s.buckets))
	for _, be := range s.buckets {
		entries = append(entries, be)
	}
	s.mu.RUnlock()

	var out []DeviceBlob
	for _, be := range entries {
		be.mu.RLock()
		for name, blob := range be.blobs {
			out = append(out, DeviceBlob{BucketID: be.bucket.ID, Name: name, Blob: *blob})
		}
		be.mu.RUnlock()
	}
	return out
}

// DecRefCount drops the bucket's reference count by one on Close and
// reports the new count, used by the Filesystem Engine to decide whether
// workflow/scratch semantics should release buffers now.
func (s *Store) DecRefCount(bucketID int64) (int, error) {
	be, err := s.bucketEntry(bucketID)
	if err != nil {
		return 0, err
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if be.bucket.RefCount > 0 {
		be.bucket.RefCount--
	}
	return be.bucket.RefCount, nil
}
