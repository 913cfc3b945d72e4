//go:build !linux && !freebsd

package conn

import (
	"errors"
)

// FreeBindSupported reports whether ListenOptions.FreeBind is honored.
const FreeBindSupported = false

func setFreeBind(_ uintptr, _ string) error {
	return errors.New("free bind is only supported on linux and freebsd")
}
