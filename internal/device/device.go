// Package device defines the frame-device boundary: the OS-level virtual
// Ethernet interface the tunnel reads and writes raw frames through.
package device

// Config describes the device to open.
type Config struct {
	Name string // interface name, empty lets the OS pick one
	MTU  int    // interface MTU, 0 uses DefaultMTU
}

// DefaultMTU is used when Config.MTU is zero.
const DefaultMTU = 1500

// Device is one open virtual Ethernet interface. Read blocks until a frame
// is available; Close unblocks any pending Read.
type Device interface {
	// Read fills buf with one raw Ethernet frame and returns its length.
	Read(buf []byte) (int, error)

	// Write injects one raw Ethernet frame into the interface.
	Write(b []byte) (int, error)

	// Name returns the OS interface name.
	Name() string

	// MTU returns the configured MTU.
	MTU() int

	// Close destroys the device binding.
	Close() error
}
