// Package frame defines the pooled Ethernet frame buffer shared between the
// device side and the link side of a tunnel.
package frame

import "fmt"

// HeaderSize is the fixed Ethernet header size: Dst(6) + Src(6) + EtherType(2).
const HeaderSize = 14

// MAC is a 48-bit Ethernet hardware address.
type MAC [6]byte

// Broadcast is the all-ones Ethernet broadcast address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsBroadcast reports whether the address is broadcast or multicast
// (group bit set), i.e. whether a bridge must flood it.
func (m MAC) IsBroadcast() bool {
	return m[0]&0x01 != 0
}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Frame is one Ethernet frame in flight between the device and a peer link.
//
// A Frame has a single writer until it is sealed with Seal; after that it is
// read-only and may be observed by many readers. It is acquired from a Pool
// and must be released back exactly once, by the last consumer.
type Frame struct {
	// Origin is the peer ID the frame arrived from. Empty means the frame
	// was read from the local device.
	Origin string

	buf  []byte // backing storage, capacity fixed at acquire time
	data []byte // sealed view, buf[:n]
}

// Buffer exposes the full backing storage for a read() to fill.
// Must not be used after Seal.
func (f *Frame) Buffer() []byte { return f.buf }

// Seal fixes the frame length after the buffer has been filled.
func (f *Frame) Seal(n int) {
	if n > len(f.buf) {
		n = len(f.buf)
	}
	f.data = f.buf[:n]
}

// Fill copies b into the frame and seals it. Used by the diagnostic
// injection path, where bytes come from a control message rather than a
// device read.
func (f *Frame) Fill(b []byte) {
	n := copy(f.buf, b)
	f.data = f.buf[:n]
}

// Bytes returns the sealed frame contents. Nil before Seal.
func (f *Frame) Bytes() []byte { return f.data }

// Len returns the sealed frame length.
func (f *Frame) Len() int { return len(f.data) }

// Dst returns the destination MAC from the fixed Ethernet header offset.
// Returns the zero MAC for runt frames shorter than the header.
func (f *Frame) Dst() MAC {
	var m MAC
	if len(f.data) >= HeaderSize {
		copy(m[:], f.data[0:6])
	}
	return m
}

// Src returns the source MAC from the fixed Ethernet header offset.
// Returns the zero MAC for runt frames shorter than the header.
func (f *Frame) Src() MAC {
	var m MAC
	if len(f.data) >= HeaderSize {
		copy(m[:], f.data[6:12])
	}
	return m
}
