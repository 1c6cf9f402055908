//go:build unix

package cac

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// setBroadcast enables SO_BROADCAST on the search socket.
func setBroadcast(conn *net.UDPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var opErr error
	err = rc.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			opErr = fmt.Errorf("set SO_BROADCAST: %w", err)
		}
	})
	if err != nil {
		return err
	}

	return opErr
}
