// Package filesystem implements the Filesystem Engine (C6): the public
// Open/Read/Write/Seek/Sync/Close/Remove surface over an opaque File
// handle, sitting on top of the Page Translator and Metadata Store.
// Grounded on the teacher's internal/filesystem/interface.go
// (FilesystemInterface/FileHandle contract) and s3_backend.go
// (S3FileHandle's synthetic-id + per-open state pattern), generalized from
// one S3-backed protocol adapter to Hermes's page-translator pipeline.
package filesystem

import (
	"os"

	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// Whence selects the reference point for Seek, mirroring io.Seeker's
// constants under the spec's own names.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// File is the opaque handle returned by Open. Bypass handles delegate
// every operation straight to the OS file; tracked handles go through the
// bucket/page-translator pipeline.
type File struct {
	FD       int64
	Path     string
	Bypass   bool
	BucketID int64
	Mode     types.AdapterMode
	PageSize int64

	cursor int64
	ext    *os.File
}

// osFileAdapter adapts *os.File to pagetranslator.ExternalFile.
type osFileAdapter struct{ f *os.File }

func (o *osFileAdapter) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o *osFileAdapter) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }
func (o *osFileAdapter) Truncate(size int64) error                { return o.f.Truncate(size) }

func (o *osFileAdapter) Size() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (f *File) external() *osFileAdapter {
	if f.ext == nil {
		return nil
	}
	return &osFileAdapter{f.ext}
}
