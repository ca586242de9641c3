// Package hwio defines the capability interfaces the core uses to touch
// hardware: bounded physical-memory windows, x86 port I/O and vector-table
// installation. Everything above this package is pure logic; the backends
// below it are either a live Linux host (/dev/mem, /dev/port) or the
// simulated bus used by tests and synthetic machine profiles.
package hwio

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by backends that cannot serve a request on
	// the current platform.
	ErrUnsupported = errors.New("hwio: unsupported on this platform")
	// ErrOutOfRange is returned for accesses outside a backend's window.
	ErrOutOfRange = errors.New("hwio: access out of range")
)

// PhysicalMemory provides read/write access to physical address space.
// Accesses are byte-granular; callers encode register widths themselves.
type PhysicalMemory interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// PortIO provides x86 port I/O. len(data) selects the access width (1, 2
// or 4 bytes, little-endian).
type PortIO interface {
	In(port uint16, data []byte) error
	Out(port uint16, data []byte) error
}

// VectorTable is the boundary to the IDT owner. The core installs dispatch
// entry points through it and never manages descriptors itself.
type VectorTable interface {
	Install(vector uint8, entry func()) error
}

// Allocator is the boundary to the kernel heap collaborator.
type Allocator interface {
	Allocate(size, align uint64) (uintptr, error)
	Free(handle uintptr) error
}

// VectorTableFunc adapts a function to VectorTable.
type VectorTableFunc func(vector uint8, entry func()) error

// Install implements VectorTable.
func (f VectorTableFunc) Install(vector uint8, entry func()) error {
	if f == nil {
		return nil
	}
	return f(vector, entry)
}

type noopVectorTable struct{}

func (noopVectorTable) Install(uint8, func()) error { return nil }

// VectorTableDetached returns a VectorTable that accepts and drops installs.
func VectorTableDetached() VectorTable { return noopVectorTable{} }

// ReadUint16 reads a little-endian 16-bit value from physical memory.
func ReadUint16(mem PhysicalMemory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := mem.ReadAt(buf[:], addr); err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ReadUint32 reads a little-endian 32-bit value from physical memory.
func ReadUint32(mem PhysicalMemory, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := mem.ReadAt(buf[:], addr); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// WriteUint32 writes a little-endian 32-bit value to physical memory.
func WriteUint32(mem PhysicalMemory, addr uint64, value uint32) error {
	buf := [4]byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	return mem.WriteAt(buf[:], addr)
}

// InUint32 reads a 32-bit value from a port.
func InUint32(ports PortIO, port uint16) (uint32, error) {
	var buf [4]byte
	if err := ports.In(port, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// OutUint32 writes a 32-bit value to a port.
func OutUint32(ports PortIO, port uint16, value uint32) error {
	buf := [4]byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	return ports.Out(port, buf[:])
}

// OutUint8 writes a single byte to a port.
func OutUint8(ports PortIO, port uint16, value uint8) error {
	return ports.Out(port, []byte{value})
}

// InUint8 reads a single byte from a port.
func InUint8(ports PortIO, port uint16) (uint8, error) {
	var buf [1]byte
	if err := ports.In(port, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func checkWidth(n int) error {
	switch n {
	case 1, 2, 4:
		return nil
	default:
		return fmt.Errorf("hwio: invalid access width %d", n)
	}
}
