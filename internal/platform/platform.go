// Package platform ties discovery together: locate the firmware tables,
// decode the interrupt topology, and fall back to a safe legacy model when
// the firmware is broken. A machine with garbage tables still boots; it
// just routes like a PC from before the tables existed.
package platform

import (
	"errors"
	"log/slog"

	"github.com/ferrite-os/ferrite/internal/firmware"
	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/topology"
)

// Info is everything discovery learned about the machine.
type Info struct {
	// RSDP and Tables are nil when discovery fell back.
	RSDP   *firmware.RSDP
	Tables *firmware.TableSet

	MADT *firmware.MADT
	// FADT is nil when the table is absent or malformed; power management
	// degrades, interrupt routing does not.
	FADT *firmware.FADT

	Topology *topology.Topology

	// Degraded is set when any firmware problem forced the legacy-only
	// fallback.
	Degraded bool
}

// Discover probes the firmware tables through the physical memory
// capability and builds the topology model. It does not fail: a missing
// or malformed table set produces the legacy fallback model with a logged
// warning, because a bare 8259 machine is always drivable.
func Discover(mem hwio.PhysicalMemory, opts topology.Options, log *slog.Logger) *Info {
	if log == nil {
		log = slog.Default()
	}

	fallback := func(stage string, err error) *Info {
		if errors.Is(err, firmware.ErrMalformedTable) {
			log.Warn("malformed firmware table, falling back to legacy interrupt mode",
				"stage", stage, "err", err)
		} else {
			log.Warn("firmware discovery failed, falling back to legacy interrupt mode",
				"stage", stage, "err", err)
		}
		return &Info{Topology: topology.LegacyFallback(), Degraded: true}
	}

	rsdp, err := firmware.LocateRSDP(mem)
	if err != nil {
		return fallback("locate root pointer", err)
	}
	log.Info("located firmware root pointer", "revision", rsdp.Revision, "oem", rsdp.OEMID)

	tables, err := firmware.LoadTables(mem, rsdp)
	if err != nil {
		return fallback("index tables", err)
	}
	log.Debug("indexed firmware tables", "signatures", tables.Signatures())

	madtRaw, _, err := tables.Table(firmware.MADTSignature)
	if err != nil {
		return fallback("read interrupt topology table", err)
	}
	madt, err := firmware.ParseMADT(madtRaw)
	if err != nil {
		return fallback("decode interrupt topology table", err)
	}

	topo, err := topology.Build(madt, opts)
	if err != nil {
		return fallback("build topology", err)
	}

	info := &Info{
		RSDP:     rsdp,
		Tables:   tables,
		MADT:     madt,
		Topology: topo,
	}

	// The fixed table is wanted but not required for routing.
	if fadtRaw, _, err := tables.Table(firmware.FADTSignature); err == nil {
		fadt, err := firmware.ParseFADT(fadtRaw)
		if err != nil {
			log.Warn("malformed fixed description table, power management degraded", "err", err)
		} else {
			info.FADT = fadt
			log.Debug("decoded fixed description table",
				"sci", fadt.SCIInterrupt, "smi_cmd", fadt.SMICommand)
		}
	}

	if topo.LegacyOnly() {
		log.Info("no I/O APIC described, using legacy interrupt mode")
	}
	return info
}
