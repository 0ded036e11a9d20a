package objectstore

import (
	"fmt"
	"io"

	minio "github.com/minio/minio-go"

	"github.com/nearline/nlds/pkg/types"
)

// MinioStore implements Store over an S3 tenancy.
type MinioStore struct {
	client    *minio.Client
	uploaders uint
}

// Options configure a MinioStore.
type Options struct {
	Tenancy   string // endpoint host[:port]
	AccessKey string
	SecretKey string
	Secure    bool
	Uploaders int
}

// NewMinioStore connects to the tenancy named in opts.
func NewMinioStore(opts Options) (*MinioStore, error) {
	client, err := minio.New(opts.Tenancy, opts.AccessKey, opts.SecretKey, opts.Secure)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageUnavailable,
			"connect to tenancy %s: %v", opts.Tenancy, err)
	}
	s := &MinioStore{client: client}
	if opts.Uploaders > 0 {
		s.uploaders = uint(opts.Uploaders)
	}
	return s, nil
}

// EnsureBucket creates the bucket if needed and, when policy is non-empty,
// sets it as the bucket policy, replacing the current one.
func (s *MinioStore) EnsureBucket(bucket, policy string) error {
	exists, err := s.client.BucketExists(bucket)
	if err != nil {
		return types.Errorf(types.ErrStorageUnavailable, "bucket %s: %v", bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(bucket, ""); err != nil {
			return types.Errorf(types.ErrStorageUnavailable,
				"create bucket %s: %v", bucket, err)
		}
	}
	if policy == "" {
		return nil
	}
	if err := s.client.SetBucketPolicy(bucket, policy); err != nil {
		return types.Errorf(types.ErrStorageUnavailable,
			"set policy on bucket %s: %v", bucket, err)
	}
	return nil
}

// Policy fetches the current bucket policy; a bucket without one returns
// the empty string.
func (s *MinioStore) Policy(bucket string) (string, error) {
	policy, err := s.client.GetBucketPolicy(bucket)
	if err != nil {
		return "", nil
	}
	return policy, nil
}

// Put streams one object into a bucket using multipart upload.
func (s *MinioStore) Put(bucket, object string, r io.Reader, size int64) (int64, error) {
	n, err := s.client.PutObject(bucket, object, r, size, minio.PutObjectOptions{
		NumThreads: s.uploaders,
	})
	if err != nil {
		return n, types.Errorf(types.ErrStorageUnavailable,
			"put %s:%s: %v", bucket, object, err)
	}
	return n, nil
}

// Get opens one object for streaming.
func (s *MinioStore) Get(bucket, object string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, types.Errorf(types.ErrStorageUnavailable,
			"get %s:%s: %v", bucket, object, err)
	}
	// GetObject is lazy; surface missing objects now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, types.Errorf(types.ErrNotFound, "get %s:%s: %v", bucket, object, err)
	}
	return obj, nil
}

// Stat returns the object's metadata.
func (s *MinioStore) Stat(bucket, object string) (ObjectInfo, error) {
	info, err := s.client.StatObject(bucket, object, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, types.Errorf(types.ErrNotFound,
			"stat %s:%s: %v", bucket, object, err)
	}
	return ObjectInfo{Key: info.Key, Size: info.Size}, nil
}

// Remove deletes one object.
func (s *MinioStore) Remove(bucket, object string) error {
	if err := s.client.RemoveObject(bucket, object); err != nil {
		return types.Errorf(types.ErrStorageUnavailable,
			"remove %s:%s: %v", bucket, object, err)
	}
	return nil
}

var _ Store = (*MinioStore)(nil)

// String names the store for logs.
func (s *MinioStore) String() string {
	return fmt.Sprintf("minio(%s)", s.client.EndpointURL())
}
