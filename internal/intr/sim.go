package intr

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ferrite-os/ferrite/internal/hwio"
)

// Simulated controller models for synthetic machines. They implement the
// bus handler interfaces and keep enough observable state for tests and
// for hwprobe's dry-run mode to verify programming order and acknowledge
// traffic.

// SimIOAPIC models an I/O APIC register window.
type SimIOAPIC struct {
	mu     sync.Mutex
	base   uint64
	id     uint8
	sel    uint32
	redir  []uint64
	writes []uint32
}

// NewSimIOAPIC creates a model with the given pin count.
func NewSimIOAPIC(base uint64, id uint8, pins int) *SimIOAPIC {
	return &SimIOAPIC{base: base, id: id, redir: make([]uint64, pins)}
}

// AttachTo maps the model's 32-byte register window onto a bus.
func (s *SimIOAPIC) AttachTo(bus *hwio.SimBus) error {
	return bus.MapRegion(s.base, 0x20, s)
}

// Redirect returns the current redirection entry for a pin.
func (s *SimIOAPIC) Redirect(pin uint32) RedirEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RedirEntry(s.redir[pin])
}

// RegisterWrites returns the sequence of data-register indices written, in
// order. Tests use it to check that the low word of an entry is written
// masked before the high word and unmasked last.
func (s *SimIOAPIC) RegisterWrites() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.writes...)
}

// ReadRegion implements hwio.RegionHandler.
func (s *SimIOAPIC) ReadRegion(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("intr: sim I/O APIC read width %d", len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var value uint32
	switch addr - s.base {
	case ioapicRegSelect:
		value = s.sel
	case ioapicRegData:
		value = s.regRead(s.sel)
	default:
		return fmt.Errorf("intr: sim I/O APIC read at %#x", addr)
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteRegion implements hwio.RegionHandler.
func (s *SimIOAPIC) WriteRegion(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("intr: sim I/O APIC write width %d", len(data))
	}
	value := binary.LittleEndian.Uint32(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch addr - s.base {
	case ioapicRegSelect:
		s.sel = value
	case ioapicRegData:
		s.writes = append(s.writes, s.sel)
		s.regWrite(s.sel, value)
	default:
		return fmt.Errorf("intr: sim I/O APIC write at %#x", addr)
	}
	return nil
}

func (s *SimIOAPIC) regRead(index uint32) uint32 {
	switch {
	case index == ioapicRegID:
		return uint32(s.id) << 24
	case index == ioapicRegVersion:
		return 0x11 | uint32(len(s.redir)-1)<<16
	case index >= ioapicRegRedirLo && index < ioapicRegRedirLo+2*uint32(len(s.redir)):
		pin := (index - ioapicRegRedirLo) / 2
		if index&1 == 0 {
			return uint32(s.redir[pin])
		}
		return uint32(s.redir[pin] >> 32)
	}
	return 0
}

func (s *SimIOAPIC) regWrite(index, value uint32) {
	if index < ioapicRegRedirLo || index >= ioapicRegRedirLo+2*uint32(len(s.redir)) {
		return
	}
	pin := (index - ioapicRegRedirLo) / 2
	if index&1 == 0 {
		s.redir[pin] = s.redir[pin]&^uint64(0xFFFFFFFF) | uint64(value)
	} else {
		s.redir[pin] = s.redir[pin]&0xFFFFFFFF | uint64(value)<<32
	}
}

// SimDualPIC models the cascaded 8259 pair on its standard ports.
type SimDualPIC struct {
	mu sync.Mutex
	// initStage counts remaining ICW writes per controller after ICW1.
	initStage [2]int
	offsets   [2]uint8
	masks     [2]uint8
	eois      []uint8
}

// NewSimDualPIC creates a model in the reset state: unmapped offsets,
// everything masked.
func NewSimDualPIC() *SimDualPIC {
	return &SimDualPIC{masks: [2]uint8{0xFF, 0xFF}}
}

// AttachTo maps the model's four ports onto a bus.
func (s *SimDualPIC) AttachTo(bus *hwio.SimBus) error {
	for _, port := range []uint16{picPrimaryCommand, picPrimaryData, picSecondaryCommand, picSecondaryData} {
		if err := bus.MapPort(port, s); err != nil {
			return err
		}
	}
	return nil
}

// Offsets returns the programmed vector bases of the two controllers.
func (s *SimDualPIC) Offsets() (primary, secondary uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[0], s.offsets[1]
}

// Masks returns the interrupt mask registers of the two controllers.
func (s *SimDualPIC) Masks() (primary, secondary uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masks[0], s.masks[1]
}

// EOIs returns the specific end-of-interrupt commands received, in order,
// encoded as controller*8 + line.
func (s *SimDualPIC) EOIs() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint8(nil), s.eois...)
}

// ReadPort implements hwio.PortHandler.
func (s *SimDualPIC) ReadPort(port uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value uint8
	switch port {
	case picPrimaryData:
		value = s.masks[0]
	case picSecondaryData:
		value = s.masks[1]
	}
	for i := range data {
		data[i] = 0
	}
	data[0] = value
	return nil
}

// WritePort implements hwio.PortHandler.
func (s *SimDualPIC) WritePort(port uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := data[0]
	chip := 0
	if port == picSecondaryCommand || port == picSecondaryData {
		chip = 1
	}
	switch port {
	case picPrimaryCommand, picSecondaryCommand:
		switch {
		case value&icw1Init != 0:
			// ICW1: next data writes are ICW2..ICW4.
			s.initStage[chip] = 3
		case value&0xF8 == ocw2SpecificEOI:
			s.eois = append(s.eois, uint8(chip)*8+value&0x07)
		}
	case picPrimaryData, picSecondaryData:
		if s.initStage[chip] > 0 {
			if s.initStage[chip] == 3 {
				s.offsets[chip] = value
			}
			s.initStage[chip]--
			return nil
		}
		s.masks[chip] = value
	}
	return nil
}

// SimLocalAPIC models the boot processor's local APIC window.
type SimLocalAPIC struct {
	mu       sync.Mutex
	base     uint64
	id       uint8
	spurious uint32
	eois     int
}

// NewSimLocalAPIC creates a model reporting the given APIC ID.
func NewSimLocalAPIC(base uint64, id uint8) *SimLocalAPIC {
	return &SimLocalAPIC{base: base, id: id, spurious: SpuriousVector}
}

// AttachTo maps the model's 4 KiB register window onto a bus.
func (s *SimLocalAPIC) AttachTo(bus *hwio.SimBus) error {
	return bus.MapRegion(s.base, 0x1000, s)
}

// Enabled reports whether software enable has been set.
func (s *SimLocalAPIC) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spurious&lapicSoftwareEnable != 0
}

// EOICount returns the number of end-of-interrupt writes received.
func (s *SimLocalAPIC) EOICount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eois
}

// ReadRegion implements hwio.RegionHandler.
func (s *SimLocalAPIC) ReadRegion(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("intr: sim local APIC read width %d", len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var value uint32
	switch addr - s.base {
	case lapicRegID:
		value = uint32(s.id) << 24
	case lapicRegSpurious:
		value = s.spurious
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteRegion implements hwio.RegionHandler.
func (s *SimLocalAPIC) WriteRegion(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("intr: sim local APIC write width %d", len(data))
	}
	value := binary.LittleEndian.Uint32(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch addr - s.base {
	case lapicRegSpurious:
		s.spurious = value
	case lapicRegEOI:
		s.eois++
	}
	return nil
}

var (
	_ hwio.RegionHandler = (*SimIOAPIC)(nil)
	_ hwio.PortHandler   = (*SimDualPIC)(nil)
	_ hwio.RegionHandler = (*SimLocalAPIC)(nil)
)
