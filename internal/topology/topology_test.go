package topology

import (
	"testing"

	"github.com/ferrite-os/ferrite/internal/firmware"
)

func TestLegacyIRQTotalWithoutOverrides(t *testing.T) {
	madt := &firmware.MADT{
		LocalAPICAddr: 0xFEE00000,
		Records: []firmware.Record{
			firmware.RecordIOAPIC{ID: 0, Address: 0xFEC00000, GSIBase: 0},
		},
	}
	topo, err := Build(madt, Options{})
	if err != nil {
		t.Fatal(err)
	}

	for irq := uint8(0); irq < 16; irq++ {
		route, err := topo.LegacyIRQ(irq)
		if err != nil {
			t.Fatalf("IRQ %d: %v", irq, err)
		}
		if route.GSI != uint32(irq) {
			t.Errorf("IRQ %d: GSI = %d, want identity", irq, route.GSI)
		}
		if route.Polarity != firmware.PolarityHigh || route.Trigger != firmware.TriggerEdge {
			t.Errorf("IRQ %d: %v/%v, want active-high/edge", irq, route.Polarity, route.Trigger)
		}
	}

	if _, err := topo.LegacyIRQ(16); err == nil {
		t.Error("IRQ 16 accepted")
	}
}

func TestOverrideLaterRecordWins(t *testing.T) {
	madt := &firmware.MADT{
		Records: []firmware.Record{
			firmware.RecordIOAPIC{ID: 0, Address: 0xFEC00000, GSIBase: 0},
			firmware.RecordOverride{BusSource: 0, IRQSource: 9, GSI: 20,
				Polarity: firmware.PolarityHigh, Trigger: firmware.TriggerEdge},
			firmware.RecordOverride{BusSource: 0, IRQSource: 9, GSI: 21,
				Polarity: firmware.PolarityLow, Trigger: firmware.TriggerLevel},
		},
	}
	topo, err := Build(madt, Options{})
	if err != nil {
		t.Fatal(err)
	}

	route, err := topo.LegacyIRQ(9)
	if err != nil {
		t.Fatal(err)
	}
	if route.GSI != 21 {
		t.Errorf("GSI = %d, want 21 from the later record", route.GSI)
	}
	if route.Polarity != firmware.PolarityLow || route.Trigger != firmware.TriggerLevel {
		t.Errorf("got %v/%v, want active-low/level", route.Polarity, route.Trigger)
	}
}

func TestOverrideConformingFlagsKeepDefaults(t *testing.T) {
	madt := &firmware.MADT{
		Records: []firmware.Record{
			firmware.RecordIOAPIC{ID: 0, Address: 0xFEC00000, GSIBase: 0},
			firmware.RecordOverride{BusSource: 0, IRQSource: 0, GSI: 2,
				Polarity: firmware.PolarityConforms, Trigger: firmware.TriggerConforms},
		},
	}
	topo, err := Build(madt, Options{})
	if err != nil {
		t.Fatal(err)
	}

	route, _ := topo.LegacyIRQ(0)
	if route.GSI != 2 {
		t.Errorf("GSI = %d, want 2", route.GSI)
	}
	if route.Polarity != firmware.PolarityHigh || route.Trigger != firmware.TriggerEdge {
		t.Errorf("conforming flags resolved to %v/%v, want ISA defaults", route.Polarity, route.Trigger)
	}
}

func TestLookupGSIAcrossAPICs(t *testing.T) {
	madt := &firmware.MADT{
		Records: []firmware.Record{
			firmware.RecordIOAPIC{ID: 1, Address: 0xFEC01000, GSIBase: 24},
			firmware.RecordIOAPIC{ID: 0, Address: 0xFEC00000, GSIBase: 0},
		},
	}
	topo, err := Build(madt, Options{})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		gsi     uint32
		wantID  uint8
		wantPin uint32
		wantOK  bool
	}{
		{gsi: 0, wantID: 0, wantPin: 0, wantOK: true},
		{gsi: 23, wantID: 0, wantPin: 23, wantOK: true},
		{gsi: 24, wantID: 1, wantPin: 0, wantOK: true},
		{gsi: 40, wantID: 1, wantPin: 16, wantOK: true},
		{gsi: 48, wantOK: false},
	}
	for _, tc := range tests {
		apic, pin, ok := topo.LookupGSI(tc.gsi)
		if ok != tc.wantOK {
			t.Errorf("GSI %d: ok = %v, want %v", tc.gsi, ok, tc.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if apic.ID != tc.wantID || pin != tc.wantPin {
			t.Errorf("GSI %d: APIC %d pin %d, want APIC %d pin %d",
				tc.gsi, apic.ID, pin, tc.wantID, tc.wantPin)
		}
	}
}

func TestPinCountFromHardware(t *testing.T) {
	madt := &firmware.MADT{
		Records: []firmware.Record{
			firmware.RecordIOAPIC{ID: 0, Address: 0xFEC00000, GSIBase: 0},
		},
	}
	topo, err := Build(madt, Options{
		PinCount: func(apic IOAPIC) uint32 { return 120 },
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, ok := topo.LookupGSI(119); !ok {
		t.Error("GSI 119 not served despite 120 pins")
	}
	if _, _, ok := topo.LookupGSI(120); ok {
		t.Error("GSI 120 served past the pin count")
	}
}

func TestOverlappingGSIRangesRejected(t *testing.T) {
	madt := &firmware.MADT{
		Records: []firmware.Record{
			firmware.RecordIOAPIC{ID: 0, Address: 0xFEC00000, GSIBase: 0},
			firmware.RecordIOAPIC{ID: 1, Address: 0xFEC01000, GSIBase: 8},
		},
	}
	if _, err := Build(madt, Options{}); err == nil {
		t.Fatal("overlapping GSI ranges accepted")
	}
}

func TestLegacyOnlyWithoutIOAPIC(t *testing.T) {
	madt := &firmware.MADT{
		PCATCompatible: true,
		Records: []firmware.Record{
			firmware.RecordLocalAPIC{ProcessorID: 0, APICID: 0, Enabled: true},
		},
	}
	topo, err := Build(madt, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !topo.LegacyOnly() {
		t.Error("LegacyOnly = false with no I/O APIC")
	}
	if _, _, ok := topo.LookupGSI(0); ok {
		t.Error("LookupGSI succeeded with no I/O APIC")
	}
	if !topo.PCATCompatible() {
		t.Error("PCATCompatible flag lost")
	}
}

func TestLocalAPICAddressOverride(t *testing.T) {
	madt := &firmware.MADT{
		LocalAPICAddr: 0xFEE00000,
		Records: []firmware.Record{
			firmware.RecordLocalAPICAddress{Address: 0x1_FEE00000},
		},
	}
	topo, err := Build(madt, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if topo.LocalAPICAddr() != 0x1_FEE00000 {
		t.Errorf("LocalAPICAddr = %#x, want the 64-bit override", topo.LocalAPICAddr())
	}
}

func TestBootProcessor(t *testing.T) {
	madt := &firmware.MADT{
		Records: []firmware.Record{
			firmware.RecordLocalAPIC{ProcessorID: 0, APICID: 0, Enabled: false},
			firmware.RecordLocalAPIC{ProcessorID: 1, APICID: 1, Enabled: true},
			firmware.RecordLocalAPICNMI{ProcessorID: 0xFF, LINT: 1},
		},
	}
	topo, err := Build(madt, Options{})
	if err != nil {
		t.Fatal(err)
	}

	bsp, ok := topo.BootProcessor()
	if !ok || bsp.APICID != 1 {
		t.Errorf("BootProcessor = %+v, %v; want first enabled entry", bsp, ok)
	}
	if len(topo.NMIPins()) != 1 || topo.NMIPins()[0].LINT != 1 {
		t.Errorf("NMIPins = %+v", topo.NMIPins())
	}
}

func TestLegacyFallback(t *testing.T) {
	topo := LegacyFallback()
	if !topo.LegacyOnly() {
		t.Fatal("fallback topology is not legacy-only")
	}
	for irq := uint8(0); irq < 16; irq++ {
		route, err := topo.LegacyIRQ(irq)
		if err != nil {
			t.Fatal(err)
		}
		if route.GSI != uint32(irq) {
			t.Errorf("IRQ %d: GSI = %d", irq, route.GSI)
		}
	}
}

func TestBuildFromParsedTable(t *testing.T) {
	img, err := firmware.BuildImage(firmware.BuildConfig{
		TablesBase:     0x100000,
		RSDPBase:       0xE0000,
		LocalAPICAddr:  0xFEE00000,
		PCATCompatible: true,
		CPUs:           []firmware.CPUConfig{{ProcessorID: 0, APICID: 0, Enabled: true}},
		IOAPICs:        []firmware.IOAPICConfig{{ID: 0, Address: 0xFEC00000, GSIBase: 0}},
		Overrides: []firmware.OverrideConfig{
			{Bus: 0, IRQ: 0, GSI: 2, Polarity: firmware.PolarityHigh, Trigger: firmware.TriggerEdge},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	madtAddr := findTable(t, img, firmware.MADTSignature)
	madt, err := firmware.ParseMADT(madtAddr)
	if err != nil {
		t.Fatal(err)
	}
	topo, err := Build(madt, Options{})
	if err != nil {
		t.Fatal(err)
	}

	route, _ := topo.LegacyIRQ(0)
	if route.GSI != 2 {
		t.Errorf("timer GSI = %d, want 2", route.GSI)
	}
	if topo.LegacyOnly() {
		t.Error("LegacyOnly = true despite I/O APIC record")
	}
}

// findTable pulls the named table out of a built image without a bus.
func findTable(t *testing.T, img *firmware.Image, signature string) []byte {
	t.Helper()
	blob := img.Tables
	for off := 0; off+36 <= len(blob); {
		if string(blob[off:off+4]) == signature {
			length := int(uint32(blob[off+4]) | uint32(blob[off+5])<<8 |
				uint32(blob[off+6])<<16 | uint32(blob[off+7])<<24)
			if off+length <= len(blob) {
				return blob[off : off+length]
			}
		}
		off += 8
	}
	t.Fatalf("table %q not in image", signature)
	return nil
}
