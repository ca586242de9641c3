package platform

import (
	"strings"
	"testing"

	"github.com/ferrite-os/ferrite/internal/firmware"
	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/topology"
)

const testProfile = `
name: test-pc
pcat_compatible: true
cpus:
  - {processor_id: 0, apic_id: 0, enabled: true}
ioapics:
  - {id: 0, address: 0xFEC00000, gsi_base: 0}
overrides:
  - {bus: 0, irq: 9, gsi: 20, polarity: low, trigger: level}
fadt:
  sci_interrupt: 9
  smi_command: 0xB2
  acpi_enable: 0xA0
  pm1a_event_block: 0x600
  pm1a_control_block: 0x604
devices:
  - {bus: 0, device: 0, function: 0, vendor_id: 0x8086, device_id: 0x1237, class: 0x06}
  - {bus: 0, device: 1, function: 0, vendor_id: 0x8086, device_id: 0x2448, bridge: true, secondary_bus: 2}
  - {bus: 2, device: 0, function: 0, vendor_id: 0x1AF4, device_id: 0x1001, class: 0x01}
namespace:
  - {device: 0, function: 0}
`

func TestDiscoverFromProfile(t *testing.T) {
	profile, err := ReadProfile(strings.NewReader(testProfile))
	if err != nil {
		t.Fatal(err)
	}
	machine, err := profile.Build()
	if err != nil {
		t.Fatal(err)
	}

	info := Discover(machine.Bus, topology.Options{}, nil)
	if info.Degraded {
		t.Fatal("discovery degraded on a well-formed profile")
	}
	if info.RSDP == nil || info.MADT == nil {
		t.Fatal("tables missing")
	}
	if info.Topology.LegacyOnly() {
		t.Error("topology legacy-only despite I/O APIC")
	}

	route, err := info.Topology.LegacyIRQ(9)
	if err != nil {
		t.Fatal(err)
	}
	if route.GSI != 20 || route.Trigger != firmware.TriggerLevel {
		t.Errorf("IRQ 9 route = %+v, want override applied", route)
	}

	if info.FADT == nil {
		t.Fatal("fixed table missing")
	}
	if info.FADT.SCIInterrupt != 9 || info.FADT.SMICommand != 0xB2 {
		t.Errorf("FADT = SCI %d SMI %#x", info.FADT.SCIInterrupt, info.FADT.SMICommand)
	}
}

func TestDiscoverMalformedTableFallsBack(t *testing.T) {
	// A record that claims more bytes than the table holds must degrade
	// discovery, not break it.
	img, err := firmware.BuildImage(firmware.BuildConfig{
		TablesBase:    0x100000,
		RSDPBase:      0xE0000,
		LocalAPICAddr: 0xFEE00000,
		IOAPICs:       []firmware.IOAPICConfig{{ID: 0, Address: 0xFEC00000}},
		RawRecords:    []byte{0x02, 0x20, 0x00, 0x00},
	})
	if err != nil {
		t.Fatal(err)
	}
	bus := hwio.NewSimBus()
	if err := firmware.InstallImage(bus, img); err != nil {
		t.Fatal(err)
	}

	info := Discover(bus, topology.Options{}, nil)
	if !info.Degraded {
		t.Fatal("malformed table did not degrade discovery")
	}
	if !info.Topology.LegacyOnly() {
		t.Error("fallback topology is not legacy-only")
	}
	// The fallback is total over the legacy lines.
	for irq := uint8(0); irq < 16; irq++ {
		if _, err := info.Topology.LegacyIRQ(irq); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscoverNoFirmwareFallsBack(t *testing.T) {
	bus := hwio.NewSimBus()
	info := Discover(bus, topology.Options{}, nil)
	if !info.Degraded || !info.Topology.LegacyOnly() {
		t.Error("empty machine did not fall back to legacy mode")
	}
}

func TestProfileValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad polarity", "overrides:\n  - {bus: 0, irq: 1, gsi: 1, polarity: sideways}"},
		{"bad trigger", "overrides:\n  - {bus: 0, irq: 1, gsi: 1, trigger: maybe}"},
		{"device out of range", "devices:\n  - {bus: 0, device: 40, function: 0}"},
		{"unknown field", "bogus_field: 1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ReadProfile(strings.NewReader(tc.yaml)); err == nil {
				t.Error("accepted")
			}
		})
	}
}

func TestProfileDefaults(t *testing.T) {
	profile, err := ReadProfile(strings.NewReader("name: minimal"))
	if err != nil {
		t.Fatal(err)
	}
	if profile.TablesBase != 0x100000 || profile.RSDPBase != 0xE0000 {
		t.Errorf("defaults = %#x/%#x", profile.TablesBase, profile.RSDPBase)
	}
	if _, err := profile.Build(); err != nil {
		t.Fatal(err)
	}
}
