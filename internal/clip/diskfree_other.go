//go:build !linux

package clip

import "math"

// diskFree is only implemented for the deployment platform. Other
// hosts report unlimited space so development is never blocked.
func diskFree(path string) (uint64, error) {
	return math.MaxUint64, nil
}
