//go:build !linux

package radio

import "net"

func setSocketPriority(*net.UDPConn, int) error {
	return nil
}
