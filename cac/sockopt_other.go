//go:build !unix

package cac

import "net"

// setBroadcast is a no-op where the runtime already enables broadcast on UDP sockets.
func setBroadcast(_ *net.UDPConn) error {
	return nil
}
