package objectstore

import (
	"io"
)

// BucketPrefix namespaces every NLDS bucket.
const BucketPrefix = "nlds."

// BucketName returns the bucket owned by a transaction.
func BucketName(transactionID string) string {
	return BucketPrefix + transactionID
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// PolicyReader is implemented by stores that can report a bucket's
// current access policy, letting callers merge rather than overwrite.
type PolicyReader interface {
	Policy(bucket string) (string, error)
}

// Store is the object storage tier as the workers see it.
type Store interface {
	// EnsureBucket creates the bucket if absent and applies the access
	// policy. A non-empty policy replaces the bucket's current policy
	// whole; an empty one leaves it in place.
	EnsureBucket(bucket, policy string) error
	// Put streams one object into a bucket.
	Put(bucket, object string, r io.Reader, size int64) (int64, error)
	// Get opens one object for streaming.
	Get(bucket, object string) (io.ReadCloser, error)
	// Stat returns the object's metadata.
	Stat(bucket, object string) (ObjectInfo, error)
	// Remove deletes one object.
	Remove(bucket, object string) error
}
