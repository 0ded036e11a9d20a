package tape

import (
	"fmt"
	"io"
	"strings"

	"github.com/nearline/nlds/pkg/types"
)

// Stat describes one tape file.
type Stat struct {
	Size    int64
	Offline bool // true when the file must be staged before reading
}

// Client is the tape system as the archive workers see it. Paths are
// relative to the endpoint's base directory.
type Client interface {
	// MkdirAll creates a directory and its missing parents.
	MkdirAll(path string) error
	// OpenExclusive creates a file that must not exist yet; an existing
	// file is a conflict.
	OpenExclusive(path string) (io.WriteCloser, error)
	// Open opens a staged file for reading.
	Open(path string) (io.ReadCloser, error)
	// Stat returns the file's size and staging state.
	Stat(path string) (Stat, error)
	// Checksum returns the server-side Adler-32 digest of a file.
	Checksum(path string) (uint32, error)
	// Prepare submits one staging request covering all paths and returns
	// its id.
	Prepare(paths []string) (string, error)
	// PrepareStatus reports, per path, whether the staging request has
	// brought it online.
	PrepareStatus(prepareID string, paths []string) (map[string]bool, error)
	// Evict releases staged copies no longer needed online.
	Evict(paths []string) error
	// Delete removes a file, used by the write-side rollback.
	Delete(path string) error
}

// URL is a parsed tape endpoint.
type URL struct {
	Server  string
	BaseDir string
}

// ParseURL parses "root://server//base_dir".
func ParseURL(raw string) (URL, error) {
	const scheme = "root://"
	if !strings.HasPrefix(raw, scheme) {
		return URL{}, types.Errorf(types.ErrInvalidRequest,
			"tape url %q must start with %s", raw, scheme)
	}
	rest := raw[len(scheme):]
	idx := strings.Index(rest, "//")
	if idx < 0 {
		return URL{}, types.Errorf(types.ErrInvalidRequest,
			"tape url %q has no base directory", raw)
	}
	u := URL{Server: rest[:idx], BaseDir: rest[idx+1:]}
	if u.Server == "" || strings.Contains(u.Server, "/") {
		return URL{}, types.Errorf(types.ErrInvalidRequest,
			"tape url %q has no server", raw)
	}
	return u, nil
}

// String renders the endpoint back to its URL form.
func (u URL) String() string {
	return fmt.Sprintf("root://%s/%s", u.Server, u.BaseDir)
}

// HoldingPrefix is the per-holding directory under the tape base.
func HoldingPrefix(holdingID int64, user, group string) string {
	return fmt.Sprintf("nlds.%d.%s.%s", holdingID, user, group)
}
