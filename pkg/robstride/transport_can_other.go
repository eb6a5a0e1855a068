//go:build !linux

package robstride

import "errors"

// OpenCAN requires SocketCAN, which only exists on linux.
func OpenCAN(iface string) (Transport, error) {
	return nil, errors.New("SocketCAN transport is only available on linux")
}
