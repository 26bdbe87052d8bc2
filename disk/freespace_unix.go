//go:build unix

package disk

import "golang.org/x/sys/unix"

// freeDiskSpace reports the bytes available to unprivileged users on the
// volume holding path.
func freeDiskSpace(path string) (int64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	return int64(st.Bavail) * int64(st.Bsize), true
}
