// Package intr drives the platform interrupt controllers and routes vectors
// to handlers. Each interrupt line is owned by exactly one controller: the
// I/O APIC when present, the 8259 pair otherwise. The two are never mixed
// for the same line.
package intr

import (
	"fmt"
	"sync"

	"github.com/ferrite-os/ferrite/internal/hwio"
)

// I/O APIC memory-mapped register window. All access goes through the
// select/data pair; the select write and the data access must not be
// interleaved with another register's, hence the mutex.
const (
	ioapicRegSelect = 0x00
	ioapicRegData   = 0x10

	ioapicRegID      = 0x00
	ioapicRegVersion = 0x01
	ioapicRegRedirLo = 0x10
)

// RedirEntry is one 64-bit redirection table entry.
type RedirEntry uint64

const (
	redirDestModeLogical RedirEntry = 1 << 11
	redirPolarityLow     RedirEntry = 1 << 13
	redirRemoteIRR       RedirEntry = 1 << 14
	redirTriggerLevel    RedirEntry = 1 << 15
	redirMasked          RedirEntry = 1 << 16
)

// NewRedirEntry builds an unmasked physical-destination entry with fixed
// delivery mode.
func NewRedirEntry(vector uint8, dest uint8, activeLow, levelTriggered bool) RedirEntry {
	entry := RedirEntry(vector) | RedirEntry(dest)<<56
	if activeLow {
		entry |= redirPolarityLow
	}
	if levelTriggered {
		entry |= redirTriggerLevel
	}
	return entry
}

func (e RedirEntry) Vector() uint8       { return uint8(e) }
func (e RedirEntry) Destination() uint8  { return uint8(e >> 56) }
func (e RedirEntry) Masked() bool        { return e&redirMasked != 0 }
func (e RedirEntry) ActiveLow() bool     { return e&redirPolarityLow != 0 }
func (e RedirEntry) LevelTriggered() bool { return e&redirTriggerLevel != 0 }

func (e RedirEntry) WithMask(masked bool) RedirEntry {
	if masked {
		return e | redirMasked
	}
	return e &^ redirMasked
}

// IOAPIC drives one I/O APIC through its select/data register pair.
type IOAPIC struct {
	mu      sync.Mutex
	mem     hwio.PhysicalMemory
	base    uint64
	gsiBase uint32
}

// NewIOAPIC binds a driver to the APIC's register window. No hardware
// access happens until a register method is called.
func NewIOAPIC(mem hwio.PhysicalMemory, base uint64, gsiBase uint32) *IOAPIC {
	return &IOAPIC{mem: mem, base: base, gsiBase: gsiBase}
}

// GSIBase is the first global system interrupt this APIC serves.
func (a *IOAPIC) GSIBase() uint32 { return a.gsiBase }

func (a *IOAPIC) readReg(index uint32) (uint32, error) {
	if err := hwio.WriteUint32(a.mem, a.base+ioapicRegSelect, index); err != nil {
		return 0, err
	}
	return hwio.ReadUint32(a.mem, a.base+ioapicRegData)
}

func (a *IOAPIC) writeReg(index, value uint32) error {
	if err := hwio.WriteUint32(a.mem, a.base+ioapicRegSelect, index); err != nil {
		return err
	}
	return hwio.WriteUint32(a.mem, a.base+ioapicRegData, value)
}

// ID reads the APIC ID register.
func (a *IOAPIC) ID() (uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	value, err := a.readReg(ioapicRegID)
	if err != nil {
		return 0, err
	}
	return uint8(value >> 24), nil
}

// PinCount reads the redirection entry count from the version register.
func (a *IOAPIC) PinCount() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	value, err := a.readReg(ioapicRegVersion)
	if err != nil {
		return 0, err
	}
	return (value>>16)&0xFF + 1, nil
}

// ReadRedirect reads the redirection entry for a pin.
func (a *IOAPIC) ReadRedirect(pin uint32) (RedirEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lo, err := a.readReg(ioapicRegRedirLo + 2*pin)
	if err != nil {
		return 0, err
	}
	hi, err := a.readReg(ioapicRegRedirLo + 2*pin + 1)
	if err != nil {
		return 0, err
	}
	return RedirEntry(hi)<<32 | RedirEntry(lo), nil
}

// WriteRedirect programs the redirection entry for a pin. The entry is
// written masked first and the low word (carrying the mask bit) last, so
// the pin can never fire with a half-written entry.
func (a *IOAPIC) WriteRedirect(pin uint32, entry RedirEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	masked := entry | redirMasked
	if err := a.writeReg(ioapicRegRedirLo+2*pin, uint32(masked)); err != nil {
		return err
	}
	if err := a.writeReg(ioapicRegRedirLo+2*pin+1, uint32(entry>>32)); err != nil {
		return err
	}
	return a.writeReg(ioapicRegRedirLo+2*pin, uint32(entry))
}

// MaskPin sets the mask bit on a pin without touching the rest of its entry.
func (a *IOAPIC) MaskPin(pin uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	lo, err := a.readReg(ioapicRegRedirLo + 2*pin)
	if err != nil {
		return err
	}
	return a.writeReg(ioapicRegRedirLo+2*pin, lo|uint32(redirMasked))
}

// MaskAll masks every pin. Used during bring-up before any routing exists.
func (a *IOAPIC) MaskAll() error {
	pins, err := a.PinCount()
	if err != nil {
		return err
	}
	for pin := uint32(0); pin < pins; pin++ {
		if err := a.MaskPin(pin); err != nil {
			return fmt.Errorf("intr: mask pin %d: %w", pin, err)
		}
	}
	return nil
}
