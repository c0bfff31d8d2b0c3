// Package transfer wraps MinIO/S3 interactions: the chunked upload primitive
// used by the queue manager and object verification used after completion.
package transfer

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/matchlens/clipsync/internal/session"
)

// Uploader performs chunked uploads with per-session credentials. Each upload
// builds a short-lived client because the credentials are scoped to a single
// session grant.
type Uploader struct {
	endpoint    string
	secure      bool
	region      string
	partSize    uint64
	partWorkers uint
}

// UploaderConfig controls part sizing and internal part parallelism.
type UploaderConfig struct {
	Endpoint    string
	Secure      bool
	Region      string
	PartSize    uint64
	PartWorkers uint
}

// NewUploader constructs the upload primitive.
func NewUploader(cfg UploaderConfig) *Uploader {
	return &Uploader{
		endpoint:    cfg.Endpoint,
		secure:      cfg.Secure,
		region:      cfg.Region,
		partSize:    cfg.PartSize,
		partWorkers: cfg.PartWorkers,
	}
}

// Upload streams src into bucket/objectPath under the session credentials.
// Progress is reported as (bytesSent, bytesTotal) pairs. Cancelling ctx
// aborts the transfer cooperatively.
func (u *Uploader) Upload(ctx context.Context, creds session.Credentials, bucket, objectPath string, src io.Reader, size int64, contentType string, progress func(sent, total int64)) error {
	client, err := minio.New(u.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		Secure: u.secure,
		Region: u.region,
	})
	if err != nil {
		return fmt.Errorf("init storage client: %w", err)
	}
	opts := minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    u.partSize,
		NumThreads:  u.partWorkers,
	}
	if progress != nil {
		opts.Progress = &progressReader{total: size, fn: progress}
	}
	if _, err := client.PutObject(ctx, bucket, objectPath, src, size, opts); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// progressReader implements the minio progress contract: Read is called with
// a buffer sized to the bytes just sent.
type progressReader struct {
	total int64
	sent  int64
	fn    func(sent, total int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	r.sent += int64(len(p))
	if r.total > 0 && r.sent > r.total {
		r.sent = r.total
	}
	r.fn(r.sent, r.total)
	return len(p), nil
}

// Store is a persistent client using the service's own credentials, used to
// verify uploaded objects.
type Store struct {
	client *minio.Client
}

// StoreConfig holds the service-level storage credentials.
type StoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
}

// NewStore creates a MinIO client from the service configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Store{client: client}, nil
}

// Stat returns object metadata, failing if the object does not exist.
func (s *Store) Stat(ctx context.Context, bucket, objectPath string) (minio.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, objectPath, minio.StatObjectOptions{})
	if err != nil {
		return minio.ObjectInfo{}, fmt.Errorf("stat object %s/%s: %w", bucket, objectPath, err)
	}
	return info, nil
}
