//go:build linux

package radio

import (
	"net"

	"golang.org/x/sys/unix"
)

func setSocketPriority(conn *net.UDPConn, prio int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, prio)
	}); err != nil {
		return err
	}
	return sockErr
}
