// Package pcibus provides PCI configuration space access and device
// enumeration. Access goes through whichever mechanism the platform
// offers: the legacy port pair or a memory-mapped window. Both validate
// every access before touching hardware; the bus is never probed with an
// out-of-range or misaligned cycle.
package pcibus

import (
	"errors"
	"fmt"

	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/interp"
)

// ErrInvalidAccess is returned for an out-of-range offset, an unsupported
// width, or a misaligned configuration access.
var ErrInvalidAccess = errors.New("pcibus: invalid config access")

// Access is a PCI configuration space accessor.
type Access interface {
	ReadConfig(addr interp.PCIAddress, offset uint16, width int) (uint64, error)
	WriteConfig(addr interp.PCIAddress, offset uint16, value uint64, width int) error
	// MaxOffset is the exclusive bound on configuration offsets: 256 for
	// the legacy mechanism, 4096 for a memory-mapped window.
	MaxOffset() uint16
}

func checkAccess(offset uint16, width int, max uint16) error {
	switch width {
	case 1, 2, 4:
	default:
		return fmt.Errorf("pcibus: width %d: %w", width, ErrInvalidAccess)
	}
	if uint32(offset)+uint32(width) > uint32(max) {
		return fmt.Errorf("pcibus: offset %#x width %d exceeds %#x: %w", offset, width, max, ErrInvalidAccess)
	}
	if offset%uint16(width) != 0 {
		return fmt.Errorf("pcibus: offset %#x misaligned for width %d: %w", offset, width, ErrInvalidAccess)
	}
	return nil
}

func checkAddress(addr interp.PCIAddress) error {
	if addr.Device >= 32 || addr.Function >= 8 {
		return fmt.Errorf("pcibus: device %d function %d: %w", addr.Device, addr.Function, ErrInvalidAccess)
	}
	return nil
}

// Legacy configuration mechanism port pair.
const (
	configAddressPort = 0xCF8
	configDataPort    = 0xCFC

	configEnable = 1 << 31
)

// PortMechanism is the legacy configuration access mechanism: an address
// written to one port selects the dword the data port exposes. The two
// ports form one non-atomic transaction, hence the lock in callers is not
// enough; the mechanism serializes itself through the PortIO capability
// which is assumed exclusive.
type PortMechanism struct {
	ports hwio.PortIO
}

// NewPortMechanism binds the legacy mechanism to a port capability.
func NewPortMechanism(ports hwio.PortIO) *PortMechanism {
	return &PortMechanism{ports: ports}
}

// MaxOffset implements Access.
func (m *PortMechanism) MaxOffset() uint16 { return 256 }

func (m *PortMechanism) selectAddr(addr interp.PCIAddress, offset uint16) error {
	value := configEnable |
		uint32(addr.Bus)<<16 |
		uint32(addr.Device)<<11 |
		uint32(addr.Function)<<8 |
		uint32(offset)&0xFC
	return hwio.OutUint32(m.ports, configAddressPort, value)
}

// ReadConfig implements Access.
func (m *PortMechanism) ReadConfig(addr interp.PCIAddress, offset uint16, width int) (uint64, error) {
	if err := checkAddress(addr); err != nil {
		return 0, err
	}
	if err := checkAccess(offset, width, m.MaxOffset()); err != nil {
		return 0, err
	}
	if addr.Segment != 0 {
		return 0, fmt.Errorf("pcibus: segment %d needs a memory-mapped window: %w", addr.Segment, ErrInvalidAccess)
	}
	if err := m.selectAddr(addr, offset); err != nil {
		return 0, err
	}
	buf := make([]byte, width)
	if err := m.ports.In(configDataPort+offset&3, buf); err != nil {
		return 0, err
	}
	return leValue(buf), nil
}

// WriteConfig implements Access.
func (m *PortMechanism) WriteConfig(addr interp.PCIAddress, offset uint16, value uint64, width int) error {
	if err := checkAddress(addr); err != nil {
		return err
	}
	if err := checkAccess(offset, width, m.MaxOffset()); err != nil {
		return err
	}
	if addr.Segment != 0 {
		return fmt.Errorf("pcibus: segment %d needs a memory-mapped window: %w", addr.Segment, ErrInvalidAccess)
	}
	if err := m.selectAddr(addr, offset); err != nil {
		return err
	}
	buf := make([]byte, width)
	putLEValue(buf, value)
	return m.ports.Out(configDataPort+offset&3, buf)
}

// MappedWindow is the enhanced configuration mechanism: every function's
// 4 KiB configuration space appears at a fixed offset inside one physical
// window.
type MappedWindow struct {
	mem      hwio.PhysicalMemory
	base     uint64
	segment  uint16
	busStart uint8
	busEnd   uint8
}

// NewMappedWindow binds an enhanced configuration window covering buses
// [busStart, busEnd] of one segment.
func NewMappedWindow(mem hwio.PhysicalMemory, base uint64, segment uint16, busStart, busEnd uint8) *MappedWindow {
	return &MappedWindow{mem: mem, base: base, segment: segment, busStart: busStart, busEnd: busEnd}
}

// MaxOffset implements Access.
func (w *MappedWindow) MaxOffset() uint16 { return 4096 }

func (w *MappedWindow) functionBase(addr interp.PCIAddress) (uint64, error) {
	if err := checkAddress(addr); err != nil {
		return 0, err
	}
	if addr.Segment != w.segment || addr.Bus < w.busStart || addr.Bus > w.busEnd {
		return 0, fmt.Errorf("pcibus: %s outside window: %w", addr, ErrInvalidAccess)
	}
	return w.base + (uint64(addr.Bus-w.busStart)<<20 |
		uint64(addr.Device)<<15 | uint64(addr.Function)<<12), nil
}

// ReadConfig implements Access.
func (w *MappedWindow) ReadConfig(addr interp.PCIAddress, offset uint16, width int) (uint64, error) {
	if err := checkAccess(offset, width, w.MaxOffset()); err != nil {
		return 0, err
	}
	base, err := w.functionBase(addr)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, width)
	if err := w.mem.ReadAt(buf, base+uint64(offset)); err != nil {
		return 0, err
	}
	return leValue(buf), nil
}

// WriteConfig implements Access.
func (w *MappedWindow) WriteConfig(addr interp.PCIAddress, offset uint16, value uint64, width int) error {
	if err := checkAccess(offset, width, w.MaxOffset()); err != nil {
		return err
	}
	base, err := w.functionBase(addr)
	if err != nil {
		return err
	}
	buf := make([]byte, width)
	putLEValue(buf, value)
	return w.mem.WriteAt(buf, base+uint64(offset))
}

func leValue(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLEValue(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}

var (
	_ Access = (*PortMechanism)(nil)
	_ Access = (*MappedWindow)(nil)
)
