//go:build !linux

package main

import (
	"fmt"
	"net"
)

// peerCredentials is Linux-only (SO_PEERCRED); other platforms report it
// unsupported and callers log that fact instead of a PID/UID pair.
func peerCredentials(conn net.Conn) (pid int, uid int, err error) {
	return 0, 0, fmt.Errorf("peercred: unsupported on this platform")
}
