//go:build linux

package sysinfo

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func egressInterface(dst net.IP) (*Interface, error) {
	routes, err := netlink.RouteGet(dst)
	if err != nil {
		return nil, fmt.Errorf("route get %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return nil, errors.New("no route to " + dst.String())
	}
	route := routes[0]
	link, err := netlink.LinkByIndex(route.LinkIndex)
	if err != nil {
		return nil, fmt.Errorf("link index %d: %w", route.LinkIndex, err)
	}
	attrs := link.Attrs()
	iface := &Interface{
		Name: attrs.Name,
		Type: link.Type(),
		MTU:  attrs.MTU,
	}
	if route.Gw != nil {
		iface.Gateway = route.Gw.String()
	}
	if route.Src != nil {
		iface.SourceIP = route.Src.String()
	}
	return iface, nil
}

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}
