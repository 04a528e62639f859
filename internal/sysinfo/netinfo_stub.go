//go:build !linux

package sysinfo

import (
	"errors"
	"net"
)

func egressInterface(net.IP) (*Interface, error) {
	return nil, errors.New("egress interface lookup requires linux")
}

func kernelRelease() string {
	return ""
}
