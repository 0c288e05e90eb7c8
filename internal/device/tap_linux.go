//go:build linux

package device

import (
	"fmt"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/tapweave/tapweave/internal/util"
)

// tapDevice wraps a kernel TAP interface.
type tapDevice struct {
	iface *water.Interface
	mtu   int
}

// Open creates and brings up a TAP interface per cfg.
func Open(cfg Config) (Device, error) {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	iface, err := water.New(water.Config{
		DeviceType: water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create TAP interface: %w", err)
	}

	nl, err := netlink.LinkByName(iface.Name())
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("lookup %s: %w", iface.Name(), err)
	}
	if err := netlink.LinkSetMTU(nl, mtu); err != nil {
		iface.Close()
		return nil, fmt.Errorf("set MTU on %s: %w", iface.Name(), err)
	}
	if err := netlink.LinkSetUp(nl); err != nil {
		iface.Close()
		return nil, fmt.Errorf("bring up %s: %w", iface.Name(), err)
	}

	util.LogInfo("TAP interface %s up, MTU %d", iface.Name(), mtu)
	return &tapDevice{iface: iface, mtu: mtu}, nil
}

func (d *tapDevice) Read(buf []byte) (int, error) { return d.iface.Read(buf) }

func (d *tapDevice) Write(b []byte) (int, error) { return d.iface.Write(b) }

func (d *tapDevice) Name() string { return d.iface.Name() }

func (d *tapDevice) MTU() int { return d.mtu }

func (d *tapDevice) Close() error { return d.iface.Close() }
