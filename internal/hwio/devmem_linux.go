//go:build linux

package hwio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DevMem is a PhysicalMemory backed by /dev/mem, for diagnostic runs on a
// live host. Requires CAP_SYS_RAWIO and a kernel without CONFIG_STRICT_DEVMEM
// for most of the interesting ranges.
type DevMem struct {
	fd int
}

// OpenDevMem opens /dev/mem read-only unless write is set.
func OpenDevMem(write bool) (*DevMem, error) {
	flags := unix.O_RDONLY
	if write {
		flags = unix.O_RDWR
	}
	fd, err := unix.Open("/dev/mem", flags|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("hwio: open /dev/mem: %w", err)
	}
	return &DevMem{fd: fd}, nil
}

// ReadAt implements PhysicalMemory.
func (m *DevMem) ReadAt(p []byte, addr uint64) error {
	for len(p) > 0 {
		n, err := unix.Pread(m.fd, p, int64(addr))
		if err != nil {
			return fmt.Errorf("hwio: /dev/mem read at %#x: %w", addr, err)
		}
		if n == 0 {
			return fmt.Errorf("hwio: /dev/mem short read at %#x: %w", addr, ErrOutOfRange)
		}
		p = p[n:]
		addr += uint64(n)
	}
	return nil
}

// WriteAt implements PhysicalMemory.
func (m *DevMem) WriteAt(p []byte, addr uint64) error {
	for len(p) > 0 {
		n, err := unix.Pwrite(m.fd, p, int64(addr))
		if err != nil {
			return fmt.Errorf("hwio: /dev/mem write at %#x: %w", addr, err)
		}
		if n == 0 {
			return fmt.Errorf("hwio: /dev/mem short write at %#x: %w", addr, ErrOutOfRange)
		}
		p = p[n:]
		addr += uint64(n)
	}
	return nil
}

// Close releases the file descriptor.
func (m *DevMem) Close() error {
	return unix.Close(m.fd)
}

// DevPort is a PortIO backed by /dev/port.
type DevPort struct {
	fd int
}

// OpenDevPort opens /dev/port for read/write port access.
func OpenDevPort() (*DevPort, error) {
	fd, err := unix.Open("/dev/port", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hwio: open /dev/port: %w", err)
	}
	return &DevPort{fd: fd}, nil
}

// In implements PortIO.
func (p *DevPort) In(port uint16, data []byte) error {
	if err := checkWidth(len(data)); err != nil {
		return err
	}
	if _, err := unix.Pread(p.fd, data, int64(port)); err != nil {
		return fmt.Errorf("hwio: /dev/port read %#04x: %w", port, err)
	}
	return nil
}

// Out implements PortIO.
func (p *DevPort) Out(port uint16, data []byte) error {
	if err := checkWidth(len(data)); err != nil {
		return err
	}
	if _, err := unix.Pwrite(p.fd, data, int64(port)); err != nil {
		return fmt.Errorf("hwio: /dev/port write %#04x: %w", port, err)
	}
	return nil
}

// Close releases the file descriptor.
func (p *DevPort) Close() error {
	return unix.Close(p.fd)
}

var (
	_ PhysicalMemory = (*DevMem)(nil)
	_ PortIO         = (*DevPort)(nil)
)
