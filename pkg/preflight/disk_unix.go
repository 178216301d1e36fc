//go:build unix

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// freeDiskGB reports free space available to unprivileged callers, which is
// what a spawned job actually gets.
func freeDiskGB(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	free := float64(st.Bavail) * float64(st.Bsize)
	return free / (1 << 30), nil
}
