package pcibus

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/interp"
)

// SimFabric models a PCI fabric's configuration space for synthetic
// machines. It serves the legacy port mechanism directly and a
// memory-mapped window through ECAMRegion. Absent functions read as all
// ones, the way a real bus answers an unclaimed configuration cycle.
type SimFabric struct {
	mu      sync.Mutex
	addrReg uint32
	funcs   map[interp.PCIAddress]*simFunction
}

type simFunction struct {
	config [4096]byte
}

// NewSimFabric returns an empty fabric.
func NewSimFabric() *SimFabric {
	return &SimFabric{funcs: make(map[interp.PCIAddress]*simFunction)}
}

// AttachTo maps the legacy mechanism's port pair onto a bus.
func (f *SimFabric) AttachTo(bus *hwio.SimBus) error {
	if err := bus.MapPorts(configAddressPort, 4, f); err != nil {
		return err
	}
	return bus.MapPorts(configDataPort, 4, f)
}

// SimFunctionConfig describes one synthetic PCI function.
type SimFunctionConfig struct {
	Address   interp.PCIAddress
	VendorID  uint16
	DeviceID  uint16
	ClassCode uint8
	SubClass  uint8
	ProgIF    uint8
	MultiFunc bool
	BAR0      uint32

	// Capabilities builds a capability list from the given IDs, laid out
	// every 8 bytes starting at 0x40.
	Capabilities []uint8
}

// AddFunction installs a device function with a standard header.
func (f *SimFabric) AddFunction(cfg SimFunctionConfig) {
	fn := &simFunction{}
	binary.LittleEndian.PutUint16(fn.config[offVendorID:], cfg.VendorID)
	binary.LittleEndian.PutUint16(fn.config[offDeviceID:], cfg.DeviceID)
	fn.config[offProgIF] = cfg.ProgIF
	fn.config[offSubClass] = cfg.SubClass
	fn.config[offClass] = cfg.ClassCode
	if cfg.MultiFunc {
		fn.config[offHeaderType] |= headerMultiFunc
	}
	binary.LittleEndian.PutUint32(fn.config[offBAR0:], cfg.BAR0)

	if len(cfg.Capabilities) > 0 {
		fn.config[offStatus] |= statusCapList
		offset := uint8(0x40)
		fn.config[offCapPtr] = offset
		for i, id := range cfg.Capabilities {
			fn.config[offset] = id
			if i+1 < len(cfg.Capabilities) {
				fn.config[offset+1] = offset + 8
			}
			offset += 8
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[cfg.Address] = fn
}

// AddBridge installs a PCI-to-PCI bridge leading to a secondary bus.
func (f *SimFabric) AddBridge(addr interp.PCIAddress, vendorID, deviceID uint16, secondaryBus uint8) {
	fn := &simFunction{}
	binary.LittleEndian.PutUint16(fn.config[offVendorID:], vendorID)
	binary.LittleEndian.PutUint16(fn.config[offDeviceID:], deviceID)
	fn.config[offSubClass] = subClassPCIBridge
	fn.config[offClass] = classBridge
	fn.config[offHeaderType] = headerTypeBridge
	fn.config[offSecondary] = secondaryBus

	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[addr] = fn
}

func (f *SimFabric) readConfig(addr interp.PCIAddress, offset uint16, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.funcs[addr]
	if !ok || int(offset)+len(data) > len(fn.config) {
		for i := range data {
			data[i] = 0xFF
		}
		return
	}
	copy(data, fn.config[offset:])
}

func (f *SimFabric) writeConfig(addr interp.PCIAddress, offset uint16, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.funcs[addr]
	if !ok || int(offset)+len(data) > len(fn.config) {
		return
	}
	copy(fn.config[offset:], data)
}

func decodeAddrReg(reg uint32) (interp.PCIAddress, uint16, bool) {
	if reg&configEnable == 0 {
		return interp.PCIAddress{}, 0, false
	}
	return interp.PCIAddress{
		Bus:      uint8(reg >> 16),
		Device:   uint8(reg>>11) & 0x1F,
		Function: uint8(reg>>8) & 0x7,
	}, uint16(reg) & 0xFC, true
}

// ReadPort implements hwio.PortHandler.
func (f *SimFabric) ReadPort(port uint16, data []byte) error {
	switch {
	case port == configAddressPort && len(data) == 4:
		f.mu.Lock()
		binary.LittleEndian.PutUint32(data, f.addrReg)
		f.mu.Unlock()
		return nil
	case port >= configDataPort && port < configDataPort+4:
		f.mu.Lock()
		reg := f.addrReg
		f.mu.Unlock()
		addr, offset, enabled := decodeAddrReg(reg)
		if !enabled {
			for i := range data {
				data[i] = 0xFF
			}
			return nil
		}
		f.readConfig(addr, offset+port-configDataPort, data)
		return nil
	}
	return fmt.Errorf("pcibus: sim fabric read port %#x width %d", port, len(data))
}

// WritePort implements hwio.PortHandler.
func (f *SimFabric) WritePort(port uint16, data []byte) error {
	switch {
	case port == configAddressPort && len(data) == 4:
		f.mu.Lock()
		f.addrReg = binary.LittleEndian.Uint32(data)
		f.mu.Unlock()
		return nil
	case port >= configDataPort && port < configDataPort+4:
		f.mu.Lock()
		reg := f.addrReg
		f.mu.Unlock()
		addr, offset, enabled := decodeAddrReg(reg)
		if !enabled {
			return nil
		}
		f.writeConfig(addr, offset+port-configDataPort, data)
		return nil
	}
	return fmt.Errorf("pcibus: sim fabric write port %#x width %d", port, len(data))
}

// ECAMRegion exposes a fabric through a memory-mapped configuration
// window.
type ECAMRegion struct {
	fabric   *SimFabric
	base     uint64
	busStart uint8
}

// NewECAMRegion wraps a fabric for mapping at base.
func NewECAMRegion(fabric *SimFabric, base uint64, busStart uint8) *ECAMRegion {
	return &ECAMRegion{fabric: fabric, base: base, busStart: busStart}
}

// AttachTo maps a window covering buses busStart..busStart+count-1.
func (e *ECAMRegion) AttachTo(bus *hwio.SimBus, count int) error {
	return bus.MapRegion(e.base, uint64(count)<<20, e)
}

func (e *ECAMRegion) split(addr uint64) (interp.PCIAddress, uint16) {
	rel := addr - e.base
	return interp.PCIAddress{
		Bus:      e.busStart + uint8(rel>>20),
		Device:   uint8(rel>>15) & 0x1F,
		Function: uint8(rel>>12) & 0x7,
	}, uint16(rel) & 0xFFF
}

// ReadRegion implements hwio.RegionHandler.
func (e *ECAMRegion) ReadRegion(addr uint64, data []byte) error {
	fnAddr, offset := e.split(addr)
	e.fabric.readConfig(fnAddr, offset, data)
	return nil
}

// WriteRegion implements hwio.RegionHandler.
func (e *ECAMRegion) WriteRegion(addr uint64, data []byte) error {
	fnAddr, offset := e.split(addr)
	e.fabric.writeConfig(fnAddr, offset, data)
	return nil
}

var (
	_ hwio.PortHandler   = (*SimFabric)(nil)
	_ hwio.RegionHandler = (*ECAMRegion)(nil)
)
