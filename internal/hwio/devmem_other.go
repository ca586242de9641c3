//go:build !linux

package hwio

// DevMem is only usable on Linux hosts.
type DevMem struct{}

// OpenDevMem is only available on Linux hosts.
func OpenDevMem(write bool) (*DevMem, error) { return nil, ErrUnsupported }

func (m *DevMem) ReadAt(p []byte, addr uint64) error  { return ErrUnsupported }
func (m *DevMem) WriteAt(p []byte, addr uint64) error { return ErrUnsupported }
func (m *DevMem) Close() error                        { return nil }

// DevPort is only usable on Linux hosts.
type DevPort struct{}

// OpenDevPort is only available on Linux hosts.
func OpenDevPort() (*DevPort, error) { return nil, ErrUnsupported }

func (p *DevPort) In(port uint16, data []byte) error  { return ErrUnsupported }
func (p *DevPort) Out(port uint16, data []byte) error { return ErrUnsupported }
func (p *DevPort) Close() error                       { return nil }
