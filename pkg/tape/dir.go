package tape

import (
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nearline/nlds/pkg/types"
)

// DirClient implements Client over a local directory. Staging state is
// simulated: files marked offline go online once a prepare covering them
// has been submitted and polled.
type DirClient struct {
	base string

	mu       sync.Mutex
	offline  map[string]bool
	prepares map[string][]string
}

// NewDirClient roots a client at dir, creating it if needed.
func NewDirClient(dir string) (*DirClient, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tape base %s: %w", dir, err)
	}
	return &DirClient{
		base:     dir,
		offline:  map[string]bool{},
		prepares: map[string][]string{},
	}, nil
}

func (c *DirClient) abs(path string) string {
	return filepath.Join(c.base, path)
}

// MkdirAll creates a directory and its missing parents.
func (c *DirClient) MkdirAll(path string) error {
	if err := os.MkdirAll(c.abs(path), 0o755); err != nil {
		return types.Errorf(types.ErrStorageUnavailable, "tape mkdir %s: %v", path, err)
	}
	return nil
}

// OpenExclusive creates a file that must not exist yet.
func (c *DirClient) OpenExclusive(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(c.abs(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, types.Errorf(types.ErrConflict, "tape file %s already exists", path)
		}
		return nil, types.Errorf(types.ErrStorageUnavailable, "tape create %s: %v", path, err)
	}
	return f, nil
}

// Open opens a staged file for reading.
func (c *DirClient) Open(path string) (io.ReadCloser, error) {
	c.mu.Lock()
	off := c.offline[path]
	c.mu.Unlock()
	if off {
		return nil, types.Errorf(types.ErrStorageUnavailable,
			"tape file %s is offline", path)
	}
	f, err := os.Open(c.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.Errorf(types.ErrNotFound, "tape file %s not found", path)
		}
		return nil, types.Errorf(types.ErrStorageUnavailable, "tape open %s: %v", path, err)
	}
	return f, nil
}

// Stat returns the file's size and staging state.
func (c *DirClient) Stat(path string) (Stat, error) {
	info, err := os.Stat(c.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Stat{}, types.Errorf(types.ErrNotFound, "tape file %s not found", path)
		}
		return Stat{}, types.Errorf(types.ErrStorageUnavailable, "tape stat %s: %v", path, err)
	}
	c.mu.Lock()
	off := c.offline[path]
	c.mu.Unlock()
	return Stat{Size: info.Size(), Offline: off}, nil
}

// Checksum computes the Adler-32 digest of a file, standing in for the
// tape server's own checksum query.
func (c *DirClient) Checksum(path string) (uint32, error) {
	f, err := os.Open(c.abs(path))
	if err != nil {
		return 0, types.Errorf(types.ErrStorageUnavailable, "tape checksum %s: %v", path, err)
	}
	defer f.Close()
	h := adler32.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, types.Errorf(types.ErrStorageUnavailable, "tape checksum %s: %v", path, err)
	}
	return h.Sum32(), nil
}

// Prepare submits one staging request covering all paths.
func (c *DirClient) Prepare(paths []string) (string, error) {
	id := uuid.NewString()
	c.mu.Lock()
	c.prepares[id] = append([]string(nil), paths...)
	c.mu.Unlock()
	return id, nil
}

// PrepareStatus brings the request's paths online and reports them staged.
func (c *DirClient) PrepareStatus(prepareID string, paths []string) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prepared, ok := c.prepares[prepareID]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "unknown prepare id %s", prepareID)
	}
	covered := map[string]bool{}
	for _, p := range prepared {
		covered[p] = true
		delete(c.offline, p)
	}
	status := map[string]bool{}
	for _, p := range paths {
		status[p] = covered[p] || !c.offline[p]
	}
	return status, nil
}

// Evict releases staged copies.
func (c *DirClient) Evict(paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		c.offline[p] = true
	}
	return nil
}

// Delete removes a file.
func (c *DirClient) Delete(path string) error {
	if err := os.Remove(c.abs(path)); err != nil && !os.IsNotExist(err) {
		return types.Errorf(types.ErrStorageUnavailable, "tape delete %s: %v", path, err)
	}
	return nil
}

// MarkOffline flags a file as needing staging, for tests.
func (c *DirClient) MarkOffline(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline[path] = true
}

var _ Client = (*DirClient)(nil)
