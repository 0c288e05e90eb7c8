//go:build !linux

package device

import "errors"

// Open is only implemented for Linux TAP interfaces.
func Open(cfg Config) (Device, error) {
	return nil, errors.New("TAP devices are only supported on linux")
}
