package permissions

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/nearline/nlds/pkg/types"
)

// Identity is a resolved request user: uid plus primary and supplementary
// gids. Workers resolve the identity once per message.
type Identity struct {
	User string
	UID  int
	GIDs []int
}

// Resolve looks a user name up in the OS user database.
func Resolve(username string) (*Identity, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, types.Errorf(types.ErrPermissionDenied,
			"unknown user %s: %v", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("resolve user %s: %w", username, err)
	}
	groups, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("resolve groups of %s: %w", username, err)
	}
	gids := make([]int, 0, len(groups))
	for _, g := range groups {
		gid, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		gids = append(gids, gid)
	}
	return &Identity{User: username, UID: uid, GIDs: gids}, nil
}

// Access bits in the standard POSIX order.
const (
	Read    = 4
	Write   = 2
	Execute = 1
)

// Check evaluates one access bit of a file's mode against the identity.
func (id *Identity) Check(uid, gid int, mode uint32, want uint32) bool {
	if id.UID == 0 {
		return true
	}
	if id.UID == uid {
		return mode>>6&want == want
	}
	for _, g := range id.GIDs {
		if g == gid {
			return mode>>3&want == want
		}
	}
	return mode&want == want
}

// CheckInfo evaluates an access bit against a stat result.
func (id *Identity) CheckInfo(info fs.FileInfo, want uint32) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return id.Check(int(st.Uid), int(st.Gid), uint32(info.Mode().Perm()), want)
}

// CanRead reports whether the identity may read the named path.
func (id *Identity) CanRead(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return id.CheckInfo(info, Read)
}

// CanWrite reports whether the identity may write the named path.
func (id *Identity) CanWrite(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return id.CheckInfo(info, Write)
}

// AccessTime extracts the access time of a stat result, falling back to
// the modification time.
func AccessTime(info fs.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return info.ModTime()
}

// Owner extracts the uid and gid of a stat result.
func Owner(info fs.FileInfo) (uid, gid int) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid), int(st.Gid)
	}
	return 0, 0
}
