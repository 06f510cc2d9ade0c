package metadata

import (
	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// CreateVBucket creates a new, empty VBucket.
func (s *Store) CreateVBucket(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.vbucketNameToID[name]; ok {
		return id, nil
	}
	id := s.nextVBucketID
	s.nextVBucketID++
	s.vbuckets[id] = &types.VBucket{ID: id, Name: name, BlobIDs: make(map[int64]bool)}
	s.vbucketNameToID[name] = id
	return id, nil
}

func (s *Store) vbucket(vbucketID int64) (*types.VBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vb, ok := s.vbuckets[vbucketID]
	if !ok {
		return nil, herrors.New(herrors.ErrCodeNotFound, "vbucket not found").WithComponent("metadata")
	}
	return vb, nil
}

// AttachTrait appends t to vbucketID's ordered trait list.
func (s *Store) AttachTrait(vbucketID int64, t types.Trait) error {
	vb, err := s.vbucket(vbucketID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	vb.Traits = append(vb.Traits, t)
	return nil
}

// LinkBlob associates blobID with vbucketID and fires every attached
// Trait's OnLink callback synchronously, in attachment order.
func (s *Store) LinkBlob(vbucketID int64, blobID int64) error {
	vb, err := s.vbucket(vbucketID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	vb.BlobIDs[blobID] = true
	traits := append([]types.Trait(nil), vb.Traits...)
	s.mu.Unlock()

	for _, t := range traits {
		t.OnLink(vbucketID, blobID)
	}
	return nil
}

// UnlinkBlob removes blobID from vbucketID and fires OnUnlink for every
// attached Trait, synchronously, in attachment order.
func (s *Store) UnlinkBlob(vbucketID int64, blobID int64) error {
	vb, err := s.vbucket(vbucketID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(vb.BlobIDs, blobID)
	traits := append([]types.Trait(nil), vb.Traits...)
	s.mu.Unlock()

	for _, t := range traits {
		t.OnUnlink(vbucketID, blobID)
	}
	return nil
}

// vbucketsLinkingBlob returns every VBucket that currently links blobID,
// used to fan out OnGet/OnModify notifications on the core read/write path.
func (s *Store) vbucketsLinkingBlob(blobID int64) []*types.VBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.VBucket
	for _, vb := range s.vbuckets {
		if vb.BlobIDs[blobID] {
			out = append(out, vb)
		}
	}
	return out
}

// NotifyGet fires OnGet on every Trait of every VBucket linking blobID.
// Called by the Page Translator's read path.
func (s *Store) NotifyGet(blobID int64) {
	for _, vb := range s.vbucketsLinkingBlob(blobID) {
		for _, t := range vb.Traits {
			t.OnGet(blobID)
		}
	}
}

// NotifyModify fires OnModify on every Trait of every VBucket linking
// blobID. Called by the Page Translator's write path on put/overwrite.
func (s *Store) NotifyModify(blobID int64) {
	for _, vb := range s.vbucketsLinkingBlob(blobID) {
		for _, t := range vb.Traits {
			t.OnModify(blobID)
		}
	}
}
