//go:build linux

package main

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials reads the connecting client's PID and UID off the Unix
// socket via SO_PEERCRED, for diagnostic logging only; nothing in the
// dispatch path gates on this value.
func peerCredentials(conn net.Conn) (pid int, uid int, err error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, 0, fmt.Errorf("peercred: not a unix socket connection")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	var ucred *unix.Ucred
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		ucred, ctrlErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, 0, err
	}
	if ctrlErr != nil {
		return 0, 0, ctrlErr
	}
	return int(ucred.Pid), int(ucred.Uid), nil
}
