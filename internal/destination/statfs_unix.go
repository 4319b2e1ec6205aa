//go:build unix

package destination

import "golang.org/x/sys/unix"

func statfsFreeBytes(path string) (*int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, nil //nolint:nilerr // best-effort per spec §4.1
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	return &free, nil
}
