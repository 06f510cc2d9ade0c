package metadata

import "github.com/HDFGroup/hermes-sub002/pkg/utils"

// LoggingTrait is a reference Trait implementation that logs every blob
// lifecycle callback it receives. Traits are pure observers: they may not
// mutate buffer lists directly, only react to the event.
type LoggingTrait struct {
	Logger *utils.Logger
	Name   string
}

func (t *LoggingTrait) OnLink(vbucketID, blobID int64) {
	t.Logger.Debug("trait %s: blob %d linked to vbucket %d", t.Name, blobID, vbucketID)
}

func (t *LoggingTrait) OnUnlink(vbucketID, blobID int64) {
	t.Logger.Debug("trait %s: blob %d unlinked from vbucket %d", t.Name, blobID, vbucketID)
}

func (t *LoggingTrait) OnGet(blobID int64) {
	t.Logger.Debug("trait %s: blob %d read", t.Name, blobID)
}

func (t *LoggingTrait) OnModify(blobID int64) {
	t.Logger.Debug("trait %s: blob %d modified", t.Name, blobID)
}
