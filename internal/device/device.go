// Package device implements the uniform read/write/init transport over one
// storage tier instance (C1). It is a pure transport: no caching, no
// metadata, no retries. The IoClient hierarchy is a small closed set (ram,
// posix), so it is encoded as a tagged enum dispatching through a single
// switch rather than an interface hierarchy, matching the "avoid virtual
// tables, simplify FFI" design note.
package device

import (
	"fmt"
	"os"

	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// Transport is what the Page Translator and Buffer Organizer actually
// depend on: read/write/close against one device's offset space. Client
// (below) implements it for the ram/posix tagged-enum pair; internal/cloud
// implements it separately for the cloud tier, since an S3 object backend
// has nothing in common with the ram/posix dispatch switch beyond this
// contract.
type Transport interface {
	Write(src []byte, off int64) error
	Read(dst []byte, off int64) error
	Close() error
}

// Client is one initialized device transport. Its Kind field selects which
// branch of every operation below runs; there is deliberately no interface
// here; a RAM device and a POSIX device differ only in storage medium, not
// behavior, so a single struct with a kind tag is simpler than two types
// behind an interface for a set that will never grow past the two the
// source supports (plus the domain-stack's cloud addition).
type Client struct {
	Device types.Device

	ram  []byte   // backing storage for InterfaceRAM
	file *os.File // backing storage for InterfacePOSIX
}

// New initializes the transport for dev. For RAM devices this allocates a
// contiguous capacity-sized region; for POSIX devices this creates or
// truncates the backing slab file under dev.MountPoint. Cloud-interface
// devices are not built here: construct them with internal/cloud.New,
// which returns a Transport of its own backed by an S3 client instead of a
// local byte range.
func New(dev types.Device) (*Client, error) {
	c := &Client{Device: dev}
	switch dev.Interface {
	case types.InterfaceRAM:
		c.ram = make([]byte, dev.Capacity)
	case types.InterfacePOSIX:
		path := slabPath(dev)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, herrors.New(herrors.ErrCodeExternalIO, "failed to open slab file").
				WithComponent("device").WithOperation("init").WithCause(err).WithContext("path", path)
		}
		if err := f.Truncate(dev.Capacity); err != nil {
			f.Close()
			return nil, herrors.New(herrors.ErrCodeExternalIO, "failed to truncate slab file").
				WithComponent("device").WithOperation("init").WithCause(err).WithContext("path", path)
		}
		c.file = f
	default:
		return nil, herrors.New(herrors.ErrCodeConfigInvalid, fmt.Sprintf("unsupported device interface %q", dev.Interface)).
			WithComponent("device").WithOperation("init")
	}
	return c, nil
}

func slabPath(dev types.Device) string {
	return fmt.Sprintf("%s/slab_%s", dev.MountPoint, dev.Name)
}

// Close releases the transport's resources. RAM devices have nothing to
// release beyond garbage collection; POSIX devices close the slab file.
func (c *Client) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

// Write stores len(src) bytes at device offset off. A short write is
// reported as an error, never retried.
func (c *Client) Write(src []byte, off int64) error {
	switch c.Device.Interface {
	case types.InterfaceRAM:
		if off < 0 || off+int64(len(src)) > int64(len(c.ram)) {
			return herrors.New(herrors.ErrCodeExternalIO, "ram write out of bounds").
				WithComponent("device").WithOperation("write")
		}
		copy(c.ram[off:], src)
		return nil
	case types.InterfacePOSIX:
		n, err := c.file.WriteAt(src, off)
		if err != nil {
			return herrors.New(herrors.ErrCodeExternalIO, "pwrite failed").
				WithComponent("device").WithOperation("write").WithCause(err)
		}
		if n != len(src) {
			return herrors.New(herrors.ErrCodeExternalIO, "short write").
				WithComponent("device").WithOperation("write").
				WithContext("requested", fmt.Sprintf("%d", len(src))).
				WithContext("written", fmt.Sprintf("%d", n))
		}
		return nil
	default:
		return herrors.New(herrors.ErrCodeUninitialized, "device not initialized").WithComponent("device")
	}
}

// Read fills dst with len(dst) bytes starting at device offset off. A short
// read is reported as an error, never retried.
func (c *Client) Read(dst []byte, off int64) error {
	switch c.Device.Interface {
	case types.InterfaceRAM:
		if off < 0 || off+int64(len(dst)) > int64(len(c.ram)) {
			return herrors.New(herrors.ErrCodeExternalIO, "ram read out of bounds").
				WithComponent("device").WithOperation("read")
		}
		copy(dst, c.ram[off:off+int64(len(dst))])
		return nil
	case types.InterfacePOSIX:
		n, err := c.file.ReadAt(dst, off)
		if err != nil {
			return herrors.New(herrors.ErrCodeExternalIO, "pread failed").
				WithComponent("device").WithOperation("read").WithCause(err)
		}
		if n != len(dst) {
			return herrors.New(herrors.ErrCodeExternalIO, "short read").
				WithComponent("device").WithOperation("read").
				WithContext("requested", fmt.Sprintf("%d", len(dst))).
				WithContext("got", fmt.Sprintf("%d", n))
		}
		return nil
	default:
		return herrors.New(herrors.ErrCodeUninitialized, "device not initialized").WithComponent("device")
	}
}
