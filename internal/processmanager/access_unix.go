//go:build !windows

package processmanager

import "golang.org/x/sys/unix"

// checkExecutable verifies the resolved daemon binary is executable before
// Start spawns it, turning a permission misconfiguration into a clear
// startup error instead of an opaque spawn failure.
func checkExecutable(path string) error {
	return unix.Access(path, unix.X_OK)
}
