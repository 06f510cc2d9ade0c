// Package cloud implements the optional cloud-interface device tier: an S3
// object standing in for a device's slab file, used by BORG as a cold/
// archive migration target. Grounded on the teacher's
// internal/storage/s3/client.go (ClientManager wrapping aws-sdk-go-v2
// client construction) — generalized from the teacher's accelerated-vs-
// standard client selection down to the single client this cold tier needs.
package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// s3API is the slice of the S3 client Device actually calls, narrowed so
// tests can substitute a fake without standing up real AWS credentials.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Device is a device.Transport backed by a single S3 object. S3 has no
// byte-range write primitive, so Write is a read-modify-write of the whole
// object; this is acceptable for a cold tier that BORG writes to
// infrequently and in whole-blob migrations, not on the foreground hot
// path.
type Device struct {
	client s3API
	bucket string
	key    string
	size   int64
}

// New constructs a cloud Device from dev: dev.MountPoint names the S3
// bucket, the object key follows the same slab_{name} convention every
// other device tier uses, and New writes the object pre-sized to
// dev.Capacity zero bytes before returning.
func New(ctx context.Context, dev types.Device) (*Device, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, herrors.New(herrors.ErrCodeConfigInvalid, "failed to load AWS config").
			WithComponent("cloud").WithOperation("init").WithCause(err)
	}
	client := s3.NewFromConfig(awsCfg)
	d := &Device{client: client, bucket: dev.MountPoint, key: slabKey(dev.Name), size: dev.Capacity}
	if err := d.initObject(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func slabKey(deviceName string) string { return fmt.Sprintf("slab_%s", deviceName) }

func (d *Device) initObject(ctx context.Context) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key),
		Body:   bytes.NewReader(make([]byte, d.size)),
	})
	if err != nil {
		return herrors.New(herrors.ErrCodeExternalIO, "failed to initialize cloud slab object").
			WithComponent("cloud").WithOperation("init").WithCause(err)
	}
	return nil
}

// Close is a no-op: the S3 client owns no per-device resource to release.
func (d *Device) Close() error { return nil }

// Write applies src at device offset off via a full-object read-modify-
// write. A short write (the underlying PutObject call failing) is reported
// as an error, never retried, matching every other device.Transport.
func (d *Device) Write(src []byte, off int64) error {
	ctx := context.Background()
	full, err := d.readAll(ctx)
	if err != nil {
		return err
	}
	if off < 0 || off+int64(len(src)) > int64(len(full)) {
		return herrors.New(herrors.ErrCodeExternalIO, "cloud write out of bounds").WithComponent("cloud").WithOperation("write")
	}
	copy(full[off:], src)

	if _, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key),
		Body:   bytes.NewReader(full),
	}); err != nil {
		return herrors.New(herrors.ErrCodeExternalIO, "cloud object put failed").WithComponent("cloud").WithOperation("write").WithCause(err)
	}
	return nil
}

// Read fills dst from device offset off via a ranged GetObject. A short
// read is reported as an error, never retried.
func (d *Device) Read(dst []byte, off int64) error {
	ctx := context.Background()
	if len(dst) == 0 {
		return nil
	}
	rng := fmt.Sprintf("bytes=%d-%d", off, off+int64(len(dst))-1)
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return herrors.New(herrors.ErrCodeExternalIO, "cloud object get failed").WithComponent("cloud").WithOperation("read").WithCause(err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, dst)
	if err != nil || n != len(dst) {
		return herrors.New(herrors.ErrCodeExternalIO, "short cloud read").WithComponent("cloud").WithOperation("read").WithCause(err)
	}
	return nil
}

func (d *Device) readAll(ctx context.Context) ([]byte, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(d.bucket), Key: aws.String(d.key)})
	if err != nil {
		return nil, herrors.New(herrors.ErrCodeExternalIO, "cloud object get failed").WithComponent("cloud").WithOperation("write").WithCause(err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, herrors.New(herrors.ErrCodeExternalIO, "cloud object read failed").WithComponent("cloud").WithOperation("write").WithCause(err)
	}
	return data, nil
}
