package filesystem

import (
	"os"
	"sync"

	"github.com/HDFGroup/hermes-sub002/internal/borg"
	"github.com/HDFGroup/hermes-sub002/internal/bufferpool"
	"github.com/HDFGroup/hermes-sub002/internal/metadata"
	"github.com/HDFGroup/hermes-sub002/internal/pagetranslator"
	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// fdBase is the synthetic file descriptor space's floor: high enough that
// it can never collide with a real OS descriptor, per spec.md 4.6.
const fdBase = int64(1) << 30 // roughly INT_MAX/2

// AdapterOverride is one file_adapter_configs entry: a path whose page
// size/mode differ from the client's base settings.
type AdapterOverride struct {
	Path     string
	PageSize int64
	Mode     types.AdapterMode
}

// Engine is the Filesystem Engine (C6).
type Engine struct {
	mu sync.Mutex

	meta      *metadata.Store
	pool      *bufferpool.Pool
	tr        *pagetranslator.Translator
	predicate *PathPredicate
	org       *borg.Organizer // nil-safe: BORG registration is skipped if absent

	defaultMode     types.AdapterMode
	defaultPageSize int64
	flushMode       types.FlushingMode
	overrides       []AdapterOverride

	nextFD    int64
	openFiles map[int64]*File
}

// New constructs a Filesystem Engine. overrides should be pre-sorted by
// decreasing path length by the caller (same convention as PathPredicate)
// so the first matching entry is the most specific one.
func New(meta *metadata.Store, pool *bufferpool.Pool, tr *pagetranslator.Translator, predicate *PathPredicate, org *borg.Organizer, defaultMode types.AdapterMode, defaultPageSize int64, flushMode types.FlushingMode, overrides []AdapterOverride) *Engine {
	return &Engine{
		meta:            meta,
		pool:            pool,
		tr:              tr,
		predicate:       predicate,
		org:             org,
		defaultMode:     defaultMode,
		defaultPageSize: defaultPageSize,
		flushMode:       flushMode,
		overrides:       overrides,
		nextFD:          fdBase,
		openFiles:       make(map[int64]*File),
	}
}

func (e *Engine) resolve(path string) (int64, types.AdapterMode) {
	for _, o := range e.overrides {
		if o.Path == path {
			return o.PageSize, o.Mode
		}
	}
	return e.defaultPageSize, e.defaultMode
}

// Open resolves path against the path predicate; untracked paths get a
// Bypass handle the caller should delegate to the OS directly. Tracked
// paths materialize or find the backing bucket and get a synthetic fd.
func (e *Engine) Open(path string, flags int, mode os.FileMode) (*File, error) {
	ext, err := os.OpenFile(path, flags|os.O_CREATE, mode)
	if err != nil {
		return nil, herrors.New(herrors.ErrCodeExternalIO, "open backing file").WithComponent("filesystem").WithOperation("open").WithCause(err)
	}

	e.mu.Lock()
	fd := e.nextFD
	e.nextFD++
	e.mu.Unlock()

	if !e.predicate.Tracked(path) {
		return &File{FD: fd, Path: path, Bypass: true, ext: ext}, nil
	}

	pageSize, adapterMode := e.resolve(path)
	fi, statErr := ext.Stat()
	var initialSize int64
	if statErr == nil {
		initialSize = fi.Size()
	}

	bucketID, err := e.meta.GetOrCreateBucket(path, pageSize, adapterMode)
	if err != nil {
		ext.Close()
		return nil, err
	}
	if b, err := e.meta.BucketByID(bucketID); err == nil && b.Size == 0 && initialSize > 0 {
		e.meta.SetBucketSize(bucketID, initialSize)
	}

	f := &File{FD: fd, Path: path, BucketID: bucketID, Mode: adapterMode, PageSize: pageSize, ext: ext}
	e.mu.Lock()
	e.openFiles[fd] = f
	e.mu.Unlock()

	if e.org != nil && adapterMode == types.ModeDefault {
		e.org.RegisterExternal(bucketID, pageSize, f.external())
	}
	return f, nil
}

// ReadAt reads len(dst) bytes at off without touching f's cursor.
func (e *Engine) ReadAt(f *File, dst []byte, off int64) (int, error) {
	if f.Bypass {
		n, err := f.ext.ReadAt(dst, off)
		if err != nil && n == 0 {
			return 0, herrors.New(herrors.ErrCodeExternalIO, "bypass read").WithComponent("filesystem").WithOperation("read").WithCause(err)
		}
		return n, nil
	}
	return e.tr.Read(f.BucketID, f.PageSize, off, dst, f.Mode == types.ModeScratch, f.external())
}

// Read reads len(dst) bytes from f's current cursor and advances it.
func (e *Engine) Read(f *File, dst []byte) (int, error) {
	n, err := e.ReadAt(f, dst, f.cursor)
	f.cursor += int64(n)
	return n, err
}

// WriteAt writes src at off without touching f's cursor.
func (e *Engine) WriteAt(f *File, src []byte, off int64) (int, error) {
	if f.Bypass {
		n, err := f.ext.WriteAt(src, off)
		if err != nil {
			return n, herrors.New(herrors.ErrCodeExternalIO, "bypass write").WithComponent("filesystem").WithOperation("write").WithCause(err)
		}
		return n, nil
	}
	return e.tr.Write(f.BucketID, f.PageSize, off, src, f.Mode == types.ModeScratch, f.external())
}

// Write writes src at f's current cursor, advances it, and extends size.
func (e *Engine) Write(f *File, src []byte) (int, error) {
	n, err := e.WriteAt(f, src, f.cursor)
	f.cursor += int64(n)
	return n, err
}

// Seek repositions f's cursor. whence=end resolves against the bucket's
// logical size for tracked files or the OS file size for bypass files.
// A resulting negative offset is an error.
func (e *Engine) Seek(f *File, off int64, whence Whence) (int64, error) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.cursor
	case SeekEnd:
		if f.Bypass {
			fi, err := f.ext.Stat()
			if err != nil {
				return 0, herrors.New(herrors.ErrCodeExternalIO, "stat for seek").WithComponent("filesystem").WithOperation("seek").WithCause(err)
			}
			base = fi.Size()
		} else {
			b, err := e.meta.BucketByID(f.BucketID)
			if err != nil {
				return 0, err
			}
			base = b.Size
		}
	default:
		return 0, herrors.New(herrors.ErrCodeInvalidArgument, "invalid whence").WithComponent("filesystem").WithOperation("seek")
	}
	newOff := base + off
	if newOff < 0 {
		return 0, herrors.New(herrors.ErrCodeInvalidArgument, "seek would produce a negative offset").WithComponent("filesystem").WithOperation("seek")
	}
	f.cursor = newOff
	return newOff, nil
}

// Sync flushes per mode: default writes every resident page to the
// external file and truncates it to the bucket's size; scratch is a
// no-op; bypass delegates to the OS file's own sync.
func (e *Engine) Sync(f *File) error {
	if f.Bypass {
		if err := f.ext.Sync(); err != nil {
			return herrors.New(herrors.ErrCodeExternalIO, "bypass sync").WithComponent("filesystem").WithOperation("sync").WithCause(err)
		}
		return nil
	}
	switch f.Mode {
	case types.ModeScratch:
		return nil
	default:
		return e.tr.Flush(f.BucketID, f.PageSize, f.external())
	}
}

// Close decrements the bucket's refcount and, once it reaches zero,
// applies the mode's teardown policy: default flushes then releases
// buffers, scratch releases buffers without flushing, workflow does
// neither (its bucket persists until an explicit Remove/destroy).
func (e *Engine) Close(f *File) error {
	e.mu.Lock()
	delete(e.openFiles, f.FD)
	e.mu.Unlock()

	if f.Bypass {
		return f.ext.Close()
	}

	remaining, err := e.meta.DecRefCount(f.BucketID)
	if err != nil {
		f.ext.Close()
		return err
	}
	if remaining > 0 {
		return f.ext.Close()
	}

	switch f.Mode {
	case types.ModeWorkflow:
		return f.ext.Close()
	case types.ModeScratch:
		freed, err := e.meta.DestroyBucket(f.BucketID)
		if err != nil {
			f.ext.Close()
			return err
		}
		if err := e.pool.Release(freed); err != nil {
			f.ext.Close()
			return err
		}
		if e.org != nil {
			e.org.CancelBucket(f.BucketID)
		}
		return f.ext.Close()
	default:
		if err := e.tr.Flush(f.BucketID, f.PageSize, f.external()); err != nil {
			f.ext.Close()
			return err
		}
		freed, err := e.meta.DestroyBucket(f.BucketID)
		if err != nil {
			f.ext.Close()
			return err
		}
		if err := e.pool.Release(freed); err != nil {
			f.ext.Close()
			return err
		}
		if e.org != nil {
			e.org.CancelBucket(f.BucketID)
		}
		return f.ext.Close()
	}
}

// Remove destroys the bucket, flushing its dirty blobs to the backing file
// first unless the bucket is in scratch mode (destroy always flushes
// regardless of mode otherwise, matching Sync's default/workflow handling),
// then releases its buffers and removes the backing file.
func (e *Engine) Remove(path string) error {
	if bucketID, ok := e.meta.LookupBucket(path); ok {
		b, err := e.meta.BucketByID(bucketID)
		if err != nil {
			return err
		}
		if b.Mode != types.ModeScratch {
			ext, openErr := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
			if openErr != nil {
				return herrors.New(herrors.ErrCodeExternalIO, "open backing file for destroy flush").WithComponent("filesystem").WithOperation("remove").WithCause(openErr)
			}
			flushErr := e.tr.Flush(bucketID, b.PageSize, &osFileAdapter{ext})
			ext.Close()
			if flushErr != nil {
				return flushErr
			}
		}

		freed, err := e.meta.DestroyBucket(bucketID)
		if err != nil {
			return err
		}
		if err := e.pool.Release(freed); err != nil {
			return err
		}
		if e.org != nil {
			e.org.CancelBucket(bucketID)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return herrors.New(herrors.ErrCodeExternalIO, "remove backing file").WithComponent("filesystem").WithOperation("remove").WithCause(err)
	}
	return nil
}
