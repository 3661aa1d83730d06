//go:build windows

package processmanager

import "os"

// checkExecutable has no POSIX permission bits to consult on Windows; it
// only confirms the resolved path exists.
func checkExecutable(path string) error {
	_, err := os.Stat(path)
	return err
}
