//go:build linux

package conn

import (
	"golang.org/x/sys/unix"
)

// FreeBindSupported reports whether ListenOptions.FreeBind is honored.
const FreeBindSupported = true

func setFreeBind(fd uintptr, network string) error {
	if network == "tcp6" {
		return unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_FREEBIND, 1)
	}
	return unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_FREEBIND, 1)
}
