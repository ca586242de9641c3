package intr

import (
	"fmt"
	"sync"

	"github.com/ferrite-os/ferrite/internal/hwio"
)

// 8259 pair port assignments. The secondary controller cascades into IRQ 2
// of the primary.
const (
	picPrimaryCommand   = 0x20
	picPrimaryData      = 0x21
	picSecondaryCommand = 0xA0
	picSecondaryData    = 0xA1

	picCascadeIRQ = 2

	icw1Init       = 0x10
	icw1ExpectICW4 = 0x01
	icw4Mode8086   = 0x01

	ocw2SpecificEOI = 0x60
)

// PrimaryVectorBase and SecondaryVectorBase are the remapped vector offsets
// for the two 8259 controllers. The reset defaults collide with CPU
// exception vectors, so the pair is always remapped before use.
const (
	PrimaryVectorBase   = 0x20
	SecondaryVectorBase = 0x28
)

// DualPIC drives the cascaded 8259 pair. In legacy-only operation it is the
// sole interrupt controller; when an I/O APIC is in charge it is remapped
// and fully masked so spurious legacy vectors stay identifiable.
type DualPIC struct {
	mu    sync.Mutex
	ports hwio.PortIO
}

// NewDualPIC binds a driver to the standard 8259 ports.
func NewDualPIC(ports hwio.PortIO) *DualPIC {
	return &DualPIC{ports: ports}
}

// Remap reprograms both controllers to the fixed vector bases with all
// lines masked. The full ICW1-ICW4 sequence is replayed; the previous mask
// state is deliberately not preserved.
func (p *DualPIC) Remap() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := []struct {
		port  uint16
		value uint8
	}{
		{picPrimaryCommand, icw1Init | icw1ExpectICW4},
		{picSecondaryCommand, icw1Init | icw1ExpectICW4},
		{picPrimaryData, PrimaryVectorBase},
		{picSecondaryData, SecondaryVectorBase},
		{picPrimaryData, 1 << picCascadeIRQ},
		{picSecondaryData, picCascadeIRQ},
		{picPrimaryData, icw4Mode8086},
		{picSecondaryData, icw4Mode8086},
		// All lines start masked; Unmask opens them one at a time.
		{picPrimaryData, 0xFF},
		{picSecondaryData, 0xFF},
	}
	for _, step := range seq {
		if err := hwio.OutUint8(p.ports, step.port, step.value); err != nil {
			return fmt.Errorf("intr: 8259 init write port %#x: %w", step.port, err)
		}
	}
	return nil
}

// Unmask opens one IRQ line. Unmasking a secondary line also opens the
// cascade line on the primary.
func (p *DualPIC) Unmask(irq uint8) error {
	if irq >= 16 {
		return fmt.Errorf("intr: IRQ %d outside 8259 range", irq)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if irq >= 8 {
		if err := p.clearMaskBit(picSecondaryData, irq-8); err != nil {
			return err
		}
		return p.clearMaskBit(picPrimaryData, picCascadeIRQ)
	}
	return p.clearMaskBit(picPrimaryData, irq)
}

// Mask closes one IRQ line.
func (p *DualPIC) Mask(irq uint8) error {
	if irq >= 16 {
		return fmt.Errorf("intr: IRQ %d outside 8259 range", irq)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	port, bit := picPrimaryData, irq
	if irq >= 8 {
		port, bit = picSecondaryData, irq-8
	}
	current, err := hwio.InUint8(p.ports, uint16(port))
	if err != nil {
		return err
	}
	return hwio.OutUint8(p.ports, uint16(port), current|1<<bit)
}

// DisableAll masks every line on both controllers. Required before the
// I/O APIC takes over delivery on PC-AT compatible boards.
func (p *DualPIC) DisableAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := hwio.OutUint8(p.ports, picPrimaryData, 0xFF); err != nil {
		return err
	}
	return hwio.OutUint8(p.ports, picSecondaryData, 0xFF)
}

// EOI sends a specific end-of-interrupt for one IRQ. A secondary-line EOI
// is sent to both controllers: the secondary for the line, the primary for
// the cascade.
func (p *DualPIC) EOI(irq uint8) error {
	if irq >= 16 {
		return fmt.Errorf("intr: IRQ %d outside 8259 range", irq)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if irq >= 8 {
		if err := hwio.OutUint8(p.ports, picSecondaryCommand, ocw2SpecificEOI|(irq-8)); err != nil {
			return err
		}
		return hwio.OutUint8(p.ports, picPrimaryCommand, ocw2SpecificEOI|picCascadeIRQ)
	}
	return hwio.OutUint8(p.ports, picPrimaryCommand, ocw2SpecificEOI|irq)
}

func (p *DualPIC) clearMaskBit(port uint16, bit uint8) error {
	current, err := hwio.InUint8(p.ports, port)
	if err != nil {
		return err
	}
	return hwio.OutUint8(p.ports, port, current&^(1<<bit))
}

// VectorToIRQ maps a remapped 8259 vector back to its IRQ line.
func VectorToIRQ(vector uint8) (uint8, bool) {
	if vector >= PrimaryVectorBase && vector < PrimaryVectorBase+8 {
		return vector - PrimaryVectorBase, true
	}
	if vector >= SecondaryVectorBase && vector < SecondaryVectorBase+8 {
		return vector - SecondaryVectorBase + 8, true
	}
	return 0, false
}

// LegacyVector is the fixed vector a legacy IRQ is delivered on when the
// 8259 pair owns it.
func LegacyVector(irq uint8) uint8 {
	if irq >= 8 {
		return SecondaryVectorBase + irq - 8
	}
	return PrimaryVectorBase + irq
}
