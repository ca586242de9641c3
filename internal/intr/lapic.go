package intr

import (
	"github.com/ferrite-os/ferrite/internal/hwio"
)

// Local APIC register offsets within its 4 KiB window.
const (
	lapicRegID       = 0x020
	lapicRegEOI      = 0x0B0
	lapicRegSpurious = 0x0F0

	lapicSoftwareEnable = 1 << 8

	// SpuriousVector is where the local APIC delivers spurious interrupts.
	// It gets no handler and no end-of-interrupt.
	SpuriousVector = 0xFF
)

// LocalAPIC drives the boot processor's local APIC. Registers are plain
// 32-bit loads and stores; there is no select/data indirection, so no lock
// is needed.
type LocalAPIC struct {
	mem  hwio.PhysicalMemory
	base uint64
}

// NewLocalAPIC binds a driver to the local APIC's register window.
func NewLocalAPIC(mem hwio.PhysicalMemory, base uint64) *LocalAPIC {
	return &LocalAPIC{mem: mem, base: base}
}

// ID reads the local APIC ID of the executing processor.
func (l *LocalAPIC) ID() (uint8, error) {
	value, err := hwio.ReadUint32(l.mem, l.base+lapicRegID)
	if err != nil {
		return 0, err
	}
	return uint8(value >> 24), nil
}

// Enable sets the software-enable bit in the spurious interrupt register
// and points the spurious vector at SpuriousVector.
func (l *LocalAPIC) Enable() error {
	value, err := hwio.ReadUint32(l.mem, l.base+lapicRegSpurious)
	if err != nil {
		return err
	}
	value = value&^0xFF | SpuriousVector | lapicSoftwareEnable
	return hwio.WriteUint32(l.mem, l.base+lapicRegSpurious, value)
}

// EOI signals end-of-interrupt. Any value written completes the in-service
// interrupt.
func (l *LocalAPIC) EOI() error {
	return hwio.WriteUint32(l.mem, l.base+lapicRegEOI, 0)
}
