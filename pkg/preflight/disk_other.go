//go:build !unix

package preflight

import "fmt"

func freeDiskGB(path string) (float64, error) {
	return 0, fmt.Errorf("min_free_disk_gb is not supported on this platform")
}
