package filesystem

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/HDFGroup/hermes-sub002/internal/bufferpool"
	"github.com/HDFGroup/hermes-sub002/internal/device"
	"github.com/HDFGroup/hermes-sub002/internal/metadata"
	"github.com/HDFGroup/hermes-sub002/internal/pagetranslator"
	"github.com/HDFGroup/hermes-sub002/internal/placement"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

func newTestEngine(t *testing.T, pageSize int64, mode types.AdapterMode) *Engine {
	t.Helper()
	dev := types.Device{ID: 0, Name: "ram0", Interface: types.InterfaceRAM, Capacity: 1 << 20, BlockSize: 4096, BorgMaxThresh: 0.99}
	client, err := device.New(dev)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	pool := bufferpool.New()
	if err := pool.AddDevice(0, dev.Capacity, []int64{pageSize}, []int{64}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	meta := metadata.New(16, 4)
	dpe := placement.New([]types.Device{dev}, func(id int) (float64, error) { return pool.Occupancy(id) }, nil)
	tr := pagetranslator.New(map[int]device.Transport{0: client}, pool, meta, dpe, types.PolicyRandom, false, 0, nil)

	predicate, err := NewPathPredicate([]string{".*\\.hermes$"}, nil)
	if err != nil {
		t.Fatalf("NewPathPredicate: %v", err)
	}
	return New(meta, pool, tr, predicate, nil, mode, pageSize, types.FlushAsync, nil)
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
}

// TestAlignedWriteReadBack is literal scenario 1.
func TestAlignedWriteReadBack(t *testing.T) {
	e := newTestEngine(t, 1024, types.ModeDefault)
	path := filepath.Join(t.TempDir(), "a.hermes")

	f, err := e.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	src := bytes.Repeat([]byte("A"), 1024)
	if n, err := e.WriteAt(f, src, 0); err != nil || n != 1024 {
		t.Fatalf("Write = %d, %v", n, err)
	}

	dst := make([]byte, 1024)
	if n, err := e.ReadAt(f, dst, 0); err != nil || n != 1024 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("read-back mismatch")
	}

	b, err := e.meta.BucketByID(f.BucketID)
	if err != nil {
		t.Fatalf("BucketByID: %v", err)
	}
	if b.Size != 1024 {
		t.Errorf("bucket.size = %d, want 1024", b.Size)
	}
	blob, err := e.meta.GetBlob(f.BucketID, "0")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if blob.Size != 1024 {
		t.Errorf("blob size = %d, want 1024", blob.Size)
	}
}

// TestPartialWriteOverExistingRegion is literal scenario 2.
func TestPartialWriteOverExistingRegion(t *testing.T) {
	e := newTestEngine(t, 1024, types.ModeDefault)
	path := filepath.Join(t.TempDir(), "b.hermes")
	writeFile(t, path, bytes.Repeat([]byte("X"), 2048))

	f, err := e.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := e.WriteAt(f, bytes.Repeat([]byte("Y"), 256), 512); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	dst := make([]byte, 1024)
	if _, err := e.ReadAt(f, dst, 0); err != nil {
		t.Fatalf("Read error: %v", err)
	}
	want := append(append(bytes.Repeat([]byte("X"), 512), bytes.Repeat([]byte("Y"), 256)...), bytes.Repeat([]byte("X"), 256)...)
	if !bytes.Equal(dst, want) {
		t.Errorf("mismatch:\ngot  %q\nwant %q", dst, want)
	}

	b, err := e.meta.BucketByID(f.BucketID)
	if err != nil {
		t.Fatalf("BucketByID: %v", err)
	}
	if b.Size != 2048 {
		t.Errorf("bucket.size = %d, want unchanged 2048", b.Size)
	}
}

// TestAppendPastEOFWithHole is literal scenario 3.
func TestAppendPastEOFWithHole(t *testing.T) {
	e := newTestEngine(t, 1024, types.ModeDefault)
	path := filepath.Join(t.TempDir(), "c.hermes")
	writeFile(t, path, bytes.Repeat([]byte("Z"), 512))

	f, err := e.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := e.WriteAt(f, bytes.Repeat([]byte("W"), 256), 1536); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	dst := make([]byte, 1792)
	n, err := e.ReadAt(f, dst, 0)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if n != 1792 {
		t.Fatalf("Read returned %d bytes, want 1792", n)
	}
	want := append(append(bytes.Repeat([]byte("Z"), 512), bytes.Repeat([]byte{0}, 1024)...), bytes.Repeat([]byte("W"), 256)...)
	if !bytes.Equal(dst, want) {
		t.Errorf("mismatch:\ngot  %q\nwant %q", dst, want)
	}

	b, err := e.meta.BucketByID(f.BucketID)
	if err != nil {
		t.Fatalf("BucketByID: %v", err)
	}
	if b.Size != 1792 {
		t.Errorf("bucket.size = %d, want 1792", b.Size)
	}
}

// TestScratchModeIsolation is literal scenario 4.
func TestScratchModeIsolation(t *testing.T) {
	e := newTestEngine(t, 1024, types.ModeScratch)
	path := filepath.Join(t.TempDir(), "d.hermes")
	original := bytes.Repeat([]byte("O"), 64)
	writeFile(t, path, original)

	f, err := e.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := e.WriteAt(f, bytes.Repeat([]byte("N"), 64), 0); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	dst := make([]byte, 64)
	if _, err := e.ReadAt(f, dst, 0); err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if !bytes.Equal(dst, bytes.Repeat([]byte("N"), 64)) {
		t.Errorf("scratch read-back mismatch: got %q", dst)
	}

	if err := e.Close(f); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read backing file: %v", err)
	}
	if !bytes.Equal(onDisk, original) {
		t.Errorf("scratch mode leaked to backing file: got %q, want %q", onDisk, original)
	}
}

func TestUntrackedPathBypasses(t *testing.T) {
	e := newTestEngine(t, 1024, types.ModeDefault)
	path := filepath.Join(t.TempDir(), "plain.txt")
	writeFile(t, path, []byte("hello"))

	f, err := e.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if !f.Bypass {
		t.Fatal("expected bypass handle for untracked extension")
	}
	dst := make([]byte, 5)
	if _, err := e.ReadAt(f, dst, 0); err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if string(dst) != "hello" {
		t.Errorf("bypass read = %q, want hello", dst)
	}
}

func TestSeekEndUsesBucketSize(t *testing.T) {
	e := newTestEngine(t, 1024, types.ModeDefault)
	path := filepath.Join(t.TempDir(), "e.hermes")

	f, err := e.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := e.WriteAt(f, []byte("abcd"), 0); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	off, err := e.Seek(f, 0, SeekEnd)
	if err != nil {
		t.Fatalf("Seek error: %v", err)
	}
	if off != 4 {
		t.Errorf("Seek(end) = %d, want 4", off)
	}
	if _, err := e.Seek(f, -10, SeekSet); err == nil {
		t.Error("expected negative offset to error")
	}
}

func TestDefaultModeCloseFlushesToBackingFile(t *testing.T) {
	e := newTestEngine(t, 1024, types.ModeDefault)
	path := filepath.Join(t.TempDir(), "f.hermes")

	f, err := e.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	src := bytes.Repeat([]byte("Q"), 100)
	if _, err := e.WriteAt(f, src, 0); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := e.Close(f); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read backing file: %v", err)
	}
	if !bytes.Equal(onDisk, src) {
		t.Errorf("default-mode close should flush to backing file: got %q, want %q", onDisk, src)
	}
}

// TestWorkflowModeRemoveFlushesToBackingFile exercises workflow mode's
// defining semantic: Close leaves the bucket resident (no flush, no
// release), but the eventual destroy via Remove must still flush pending
// dirty blobs to the external file before the buffers are released.
func TestWorkflowModeRemoveFlushesToBackingFile(t *testing.T) {
	e := newTestEngine(t, 1024, types.ModeWorkflow)
	path := filepath.Join(t.TempDir(), "g.hermes")

	f, err := e.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	src := bytes.Repeat([]byte("W"), 100)
	if _, err := e.WriteAt(f, src, 0); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := e.Close(f); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if onDisk, err := os.ReadFile(path); err != nil {
		t.Fatalf("read backing file: %v", err)
	} else if len(onDisk) != 0 {
		t.Fatalf("workflow-mode close must not flush: got %d bytes on disk", len(onDisk))
	}

	// Remove unlinks the backing file after flushing, so keep a second link
	// to the same file to observe what the flush wrote.
	link := path + ".link"
	if err := os.Link(path, link); err != nil {
		t.Fatalf("link backing file: %v", err)
	}

	if err := e.Remove(path); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	onDisk, err := os.ReadFile(link)
	if err != nil {
		t.Fatalf("read backing file after remove: %v", err)
	}
	if !bytes.Equal(onDisk, src) {
		t.Errorf("workflow-mode destroy should flush to backing file: got %q, want %q", onDisk, src)
	}
}

// TestScratchModeRemoveSkipsFlush mirrors Close's scratch-mode carve-out:
// destroy releases buffers without ever writing scratch data back.
func TestScratchModeRemoveSkipsFlush(t *testing.T) {
	e := newTestEngine(t, 1024, types.ModeScratch)
	path := filepath.Join(t.TempDir(), "h.hermes")
	original := bytes.Repeat([]byte("O"), 64)
	writeFile(t, path, original)

	f, err := e.Open(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if _, err := e.WriteAt(f, bytes.Repeat([]byte("N"), 64), 0); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := e.Close(f); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if err := e.Remove(path); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected backing file to be removed, stat err = %v", err)
	}
}
