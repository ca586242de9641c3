// Package topology builds the read-only in-memory model of the platform's
// interrupt wiring from decoded firmware records. Construction resolves
// override records eagerly so every lookup afterwards is a direct index or
// map access; no caller ever re-scans the override list.
package topology

import (
	"fmt"
	"sort"

	"github.com/ferrite-os/ferrite/internal/firmware"
)

// legacyIRQCount is the number of 8259-era IRQ lines.
const legacyIRQCount = 16

// defaultPinCount is assumed for an I/O APIC whose real redirection count
// has not been read from its version register yet.
const defaultPinCount = 24

// LegacyRoute is the resolved routing for one legacy IRQ.
type LegacyRoute struct {
	GSI      uint32
	Polarity firmware.Polarity
	Trigger  firmware.TriggerMode
}

// IOAPIC is one I/O APIC and the GSI range it serves.
type IOAPIC struct {
	ID      uint8
	Address uint64
	GSIBase uint32
	// Pins is the redirection entry count. Populated from the version
	// register when available, defaultPinCount otherwise.
	Pins uint32
}

// LocalAPIC is one processor local APIC entry.
type LocalAPIC struct {
	ProcessorID   uint8
	APICID        uint8
	Enabled       bool
	OnlineCapable bool
}

// NMIPin describes which local APIC LINT pin carries NMIs for a processor.
type NMIPin struct {
	ProcessorID uint8
	LINT        uint8
}

// Options tunes topology construction.
type Options struct {
	// PinCount reports the redirection entry count for an I/O APIC, read
	// from hardware. Nil or a return of 0 falls back to defaultPinCount.
	PinCount func(apic IOAPIC) uint32
}

// Topology is the complete interrupt wiring model. Built once at boot,
// read-only afterwards; the interrupt router owns it for the process
// lifetime.
type Topology struct {
	legacyOnly     bool
	pcatCompatible bool
	localAPICAddr  uint64

	ioapics []IOAPIC
	legacy  [legacyIRQCount]LegacyRoute
	lapics  []LocalAPIC
	nmis    []NMIPin
}

// Build constructs a Topology from a decoded MADT. Duplicate override
// records for the same (bus, IRQ) pair are resolved in table order: the
// later record wins. Legacy IRQs with no override conform to the ISA bus
// default of identity-mapped, active-high, edge-triggered.
func Build(madt *firmware.MADT, opts Options) (*Topology, error) {
	topo := &Topology{
		pcatCompatible: madt.PCATCompatible,
		localAPICAddr:  uint64(madt.LocalAPICAddr),
	}

	type overrideKey struct {
		bus uint8
		irq uint8
	}
	overrides := make(map[overrideKey]firmware.RecordOverride)

	for _, record := range madt.Records {
		switch rec := record.(type) {
		case firmware.RecordLocalAPIC:
			topo.lapics = append(topo.lapics, LocalAPIC(rec))
		case firmware.RecordIOAPIC:
			topo.ioapics = append(topo.ioapics, IOAPIC{
				ID:      rec.ID,
				Address: uint64(rec.Address),
				GSIBase: rec.GSIBase,
				Pins:    defaultPinCount,
			})
		case firmware.RecordOverride:
			// Table order defines precedence; overwriting implements
			// later-record-wins.
			overrides[overrideKey{bus: rec.BusSource, irq: rec.IRQSource}] = rec
		case firmware.RecordLocalAPICNMI:
			topo.nmis = append(topo.nmis, NMIPin{ProcessorID: rec.ProcessorID, LINT: rec.LINT})
		case firmware.RecordLocalAPICAddress:
			topo.localAPICAddr = rec.Address
		case firmware.RecordNMISource, firmware.RecordUnknown:
			// Recorded in the MADT but not part of the routing model.
		}
	}

	topo.legacyOnly = len(topo.ioapics) == 0
	sort.Slice(topo.ioapics, func(i, j int) bool {
		return topo.ioapics[i].GSIBase < topo.ioapics[j].GSIBase
	})
	if opts.PinCount != nil {
		for i := range topo.ioapics {
			if pins := opts.PinCount(topo.ioapics[i]); pins > 0 {
				topo.ioapics[i].Pins = pins
			}
		}
	}
	for i := 1; i < len(topo.ioapics); i++ {
		prev, cur := topo.ioapics[i-1], topo.ioapics[i]
		if prev.GSIBase+prev.Pins > cur.GSIBase {
			return nil, fmt.Errorf("topology: I/O APIC %d GSI range overlaps APIC %d", prev.ID, cur.ID)
		}
	}

	for irq := 0; irq < legacyIRQCount; irq++ {
		route := LegacyRoute{
			GSI:      uint32(irq),
			Polarity: firmware.PolarityHigh,
			Trigger:  firmware.TriggerEdge,
		}
		if ovr, ok := overrides[overrideKey{bus: 0, irq: uint8(irq)}]; ok {
			route.GSI = ovr.GSI
			if ovr.Polarity != firmware.PolarityConforms {
				route.Polarity = ovr.Polarity
			}
			if ovr.Trigger != firmware.TriggerConforms {
				route.Trigger = ovr.Trigger
			}
		}
		topo.legacy[irq] = route
	}

	return topo, nil
}

// LegacyOnly reports that no I/O APIC is present and the 8259 pair must be
// used exclusively.
func (t *Topology) LegacyOnly() bool { return t.legacyOnly }

// PCATCompatible reports that a dual-8259 setup exists alongside the APICs
// and must be masked before APIC delivery is enabled.
func (t *Topology) PCATCompatible() bool { return t.pcatCompatible }

// LocalAPICAddr is the physical base of the boot processor's local APIC,
// widened by an address override record when present.
func (t *Topology) LocalAPICAddr() uint64 { return t.localAPICAddr }

// LegacyIRQ resolves a legacy IRQ (0-15) to its GSI, polarity and trigger
// mode. The mapping is total over 0-15.
func (t *Topology) LegacyIRQ(irq uint8) (LegacyRoute, error) {
	if int(irq) >= legacyIRQCount {
		return LegacyRoute{}, fmt.Errorf("topology: IRQ %d outside legacy range", irq)
	}
	return t.legacy[irq], nil
}

// LookupGSI resolves a GSI to the I/O APIC that serves it and the pin index
// within that APIC.
func (t *Topology) LookupGSI(gsi uint32) (apic IOAPIC, pin uint32, ok bool) {
	// ioapics is sorted by GSIBase and ranges do not overlap; scan is over
	// at most a handful of entries.
	for i := len(t.ioapics) - 1; i >= 0; i-- {
		candidate := t.ioapics[i]
		if gsi >= candidate.GSIBase && gsi < candidate.GSIBase+candidate.Pins {
			return candidate, gsi - candidate.GSIBase, true
		}
	}
	return IOAPIC{}, 0, false
}

// IOAPICs returns the I/O APIC entries sorted by GSI base.
func (t *Topology) IOAPICs() []IOAPIC { return t.ioapics }

// LocalAPICs returns every processor local APIC entry in table order. On
// this single-core scope the first enabled entry is the boot processor;
// the rest are recorded but unused.
func (t *Topology) LocalAPICs() []LocalAPIC { return t.lapics }

// BootProcessor returns the first enabled local APIC entry.
func (t *Topology) BootProcessor() (LocalAPIC, bool) {
	for _, lapic := range t.lapics {
		if lapic.Enabled {
			return lapic, true
		}
	}
	return LocalAPIC{}, false
}

// NMIPins returns the local APIC NMI wiring records.
func (t *Topology) NMIPins() []NMIPin { return t.nmis }

// LegacyFallback returns the degraded topology used when the firmware
// tables are malformed or absent: no APICs, identity-mapped legacy IRQs.
func LegacyFallback() *Topology {
	topo := &Topology{legacyOnly: true, pcatCompatible: true}
	for irq := 0; irq < legacyIRQCount; irq++ {
		topo.legacy[irq] = LegacyRoute{
			GSI:      uint32(irq),
			Polarity: firmware.PolarityHigh,
			Trigger:  firmware.TriggerEdge,
		}
	}
	return topo
}
