package intr

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/ferrite-os/ferrite/internal/firmware"
	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/topology"
)

const (
	testIOAPICBase = 0xFEC00000
	testLAPICBase  = 0xFEE00000
)

type apicFixture struct {
	bus    *hwio.SimBus
	ioapic *SimIOAPIC
	lapic  *SimLocalAPIC
	pic    *SimDualPIC
	router *Router
}

func newAPICFixture(t *testing.T, records ...firmware.Record) *apicFixture {
	t.Helper()
	fx := &apicFixture{
		bus:    hwio.NewSimBus(),
		ioapic: NewSimIOAPIC(testIOAPICBase, 0, 24),
		lapic:  NewSimLocalAPIC(testLAPICBase, 7),
		pic:    NewSimDualPIC(),
	}
	for _, attach := range []func(*hwio.SimBus) error{
		fx.ioapic.AttachTo, fx.lapic.AttachTo, fx.pic.AttachTo,
	} {
		if err := attach(fx.bus); err != nil {
			t.Fatal(err)
		}
	}

	madt := &firmware.MADT{
		LocalAPICAddr:  testLAPICBase,
		PCATCompatible: true,
		Records: append([]firmware.Record{
			firmware.RecordIOAPIC{ID: 0, Address: testIOAPICBase, GSIBase: 0},
		}, records...),
	}
	topo, err := topology.Build(madt, topology.Options{})
	if err != nil {
		t.Fatal(err)
	}

	fx.router, err = NewRouter(RouterConfig{
		Topology: topo,
		Memory:   fx.bus,
		Ports:    fx.bus,
		Log:      slog.Default(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return fx
}

func TestRouterBringUpQuiescesControllers(t *testing.T) {
	fx := newAPICFixture(t)

	primary, secondary := fx.pic.Masks()
	if primary != 0xFF || secondary != 0xFF {
		t.Errorf("8259 masks = %#x/%#x, want fully masked", primary, secondary)
	}
	p, s := fx.pic.Offsets()
	if p != PrimaryVectorBase || s != SecondaryVectorBase {
		t.Errorf("8259 offsets = %#x/%#x", p, s)
	}
	if !fx.lapic.Enabled() {
		t.Error("local APIC not software-enabled")
	}
	for pin := uint32(0); pin < 24; pin++ {
		if !fx.ioapic.Redirect(pin).Masked() {
			t.Fatalf("pin %d unmasked after bring-up", pin)
		}
	}
}

func TestRouteGSIProgramsRedirection(t *testing.T) {
	fx := newAPICFixture(t)

	fired := 0
	if err := fx.router.RouteGSI(5, 0x41, func() { fired++ }, true, true); err != nil {
		t.Fatal(err)
	}

	entry := fx.ioapic.Redirect(5)
	if entry.Vector() != 0x41 {
		t.Errorf("vector = %#x", entry.Vector())
	}
	if entry.Destination() != 7 {
		t.Errorf("destination = %d, want local APIC ID", entry.Destination())
	}
	if !entry.ActiveLow() || !entry.LevelTriggered() {
		t.Errorf("line mode lost: %#x", uint64(entry))
	}
	if entry.Masked() {
		t.Error("pin still masked after routing")
	}

	fx.router.Dispatch(0x41)
	if fired != 1 {
		t.Errorf("handler fired %d times", fired)
	}
	if fx.lapic.EOICount() != 1 {
		t.Errorf("EOI count = %d", fx.lapic.EOICount())
	}
}

func TestRoutePinWriteOrdering(t *testing.T) {
	fx := newAPICFixture(t)

	if err := fx.router.RouteGSI(3, 0x42, func() {}, false, false); err != nil {
		t.Fatal(err)
	}

	// The pin's data-register writes after bring-up must be: low word
	// masked, high word, low word final. The low index for pin 3 is
	// 0x10+2*3, the high index one above.
	const lo, hi = ioapicRegRedirLo + 6, ioapicRegRedirLo + 7
	var pinWrites []uint32
	for _, idx := range fx.ioapic.RegisterWrites() {
		if idx == lo || idx == hi {
			pinWrites = append(pinWrites, idx)
		}
	}
	// Bring-up masks every pin once (one low-word write), then the route
	// writes low, high, low.
	want := []uint32{lo, lo, hi, lo}
	if len(pinWrites) != len(want) {
		t.Fatalf("pin writes = %v, want %v", pinWrites, want)
	}
	for i := range want {
		if pinWrites[i] != want[i] {
			t.Fatalf("pin writes = %v, want %v", pinWrites, want)
		}
	}
}

func TestRouteVectorInUse(t *testing.T) {
	fx := newAPICFixture(t)

	firstFired := 0
	if err := fx.router.RouteGSI(4, 0x50, func() { firstFired++ }, false, false); err != nil {
		t.Fatal(err)
	}
	err := fx.router.RouteGSI(9, 0x50, func() { t.Error("second handler fired") }, false, false)
	if !errors.Is(err, ErrVectorInUse) {
		t.Fatalf("second route: %v, want ErrVectorInUse", err)
	}

	// The existing route still dispatches and the losing pin stays masked.
	fx.router.Dispatch(0x50)
	if firstFired != 1 {
		t.Errorf("first handler fired %d times", firstFired)
	}
	if !fx.ioapic.Redirect(9).Masked() {
		t.Error("losing route's pin was unmasked")
	}
}

func TestDispatchUnroutedAcknowledges(t *testing.T) {
	fx := newAPICFixture(t)

	fx.router.Dispatch(0x77)

	stats := fx.router.Stats()
	if stats.Unrouted != 1 {
		t.Errorf("unrouted count = %d", stats.Unrouted)
	}
	if fx.lapic.EOICount() != 1 {
		t.Errorf("unrouted vector not acknowledged: EOIs = %d", fx.lapic.EOICount())
	}
}

func TestDispatchSpuriousGetsNoEOI(t *testing.T) {
	fx := newAPICFixture(t)

	fx.router.Dispatch(SpuriousVector)

	stats := fx.router.Stats()
	if stats.Spurious != 1 {
		t.Errorf("spurious count = %d", stats.Spurious)
	}
	if fx.lapic.EOICount() != 0 {
		t.Errorf("spurious vector acknowledged: EOIs = %d", fx.lapic.EOICount())
	}
}

func TestUnrouteMasksPin(t *testing.T) {
	fx := newAPICFixture(t)

	if err := fx.router.RouteGSI(2, 0x40, func() {}, false, false); err != nil {
		t.Fatal(err)
	}
	if err := fx.router.Unroute(0x40); err != nil {
		t.Fatal(err)
	}

	if !fx.ioapic.Redirect(2).Masked() {
		t.Error("pin unmasked after unroute")
	}
	if fx.router.Routed(0x40) {
		t.Error("vector still routed")
	}
	if err := fx.router.Unroute(0x40); !errors.Is(err, ErrNotRouted) {
		t.Errorf("double unroute: %v", err)
	}

	// The vector can be reused after teardown.
	if err := fx.router.RouteGSI(2, 0x40, func() {}, false, false); err != nil {
		t.Errorf("re-route after unroute: %v", err)
	}
}

func TestRouteLegacyIRQFollowsOverride(t *testing.T) {
	fx := newAPICFixture(t, firmware.RecordOverride{
		BusSource: 0, IRQSource: 9, GSI: 20,
		Polarity: firmware.PolarityLow, Trigger: firmware.TriggerLevel,
	})

	if err := fx.router.RouteLegacyIRQ(9, 0x49, func() {}); err != nil {
		t.Fatal(err)
	}

	if !fx.ioapic.Redirect(9).Masked() {
		t.Error("identity pin touched despite override")
	}
	entry := fx.ioapic.Redirect(20)
	if entry.Masked() || entry.Vector() != 0x49 {
		t.Errorf("override pin entry = %#x", uint64(entry))
	}
	if !entry.ActiveLow() || !entry.LevelTriggered() {
		t.Error("override line mode not applied")
	}
}

func newLegacyFixture(t *testing.T) (*SimDualPIC, *Router) {
	t.Helper()
	bus := hwio.NewSimBus()
	pic := NewSimDualPIC()
	if err := pic.AttachTo(bus); err != nil {
		t.Fatal(err)
	}
	router, err := NewRouter(RouterConfig{
		Topology: topology.LegacyFallback(),
		Memory:   bus,
		Ports:    bus,
		Log:      slog.Default(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return pic, router
}

func TestLegacyModeRouting(t *testing.T) {
	pic, router := newLegacyFixture(t)

	if !router.LegacyOnly() {
		t.Fatal("router not in legacy mode")
	}

	// The vector is dictated by the remap offsets.
	err := router.RouteLegacyIRQ(1, 0x55, func() {})
	if err == nil {
		t.Fatal("arbitrary vector accepted in legacy mode")
	}

	fired := 0
	if err := router.RouteLegacyIRQ(1, LegacyVector(1), func() { fired++ }); err != nil {
		t.Fatal(err)
	}
	primary, _ := pic.Masks()
	if primary&(1<<1) != 0 {
		t.Errorf("IRQ 1 still masked: IMR %#x", primary)
	}

	router.Dispatch(LegacyVector(1))
	if fired != 1 {
		t.Errorf("handler fired %d times", fired)
	}
	eois := pic.EOIs()
	if len(eois) != 1 || eois[0] != 1 {
		t.Errorf("EOIs = %v, want specific EOI for line 1", eois)
	}
}

func TestLegacyModeSecondaryLine(t *testing.T) {
	pic, router := newLegacyFixture(t)

	if err := router.RouteLegacyIRQ(12, LegacyVector(12), func() {}); err != nil {
		t.Fatal(err)
	}
	primary, secondary := pic.Masks()
	if secondary&(1<<4) != 0 {
		t.Errorf("secondary line 4 masked: IMR %#x", secondary)
	}
	if primary&(1<<picCascadeIRQ) != 0 {
		t.Errorf("cascade line masked: IMR %#x", primary)
	}

	router.Dispatch(LegacyVector(12))
	eois := pic.EOIs()
	// Secondary-line EOI goes to both controllers: line 4 on the
	// secondary, the cascade on the primary.
	if len(eois) != 2 || eois[0] != 8+4 || eois[1] != picCascadeIRQ {
		t.Errorf("EOIs = %v", eois)
	}
}

func TestLegacyModeRejectsHighGSI(t *testing.T) {
	_, router := newLegacyFixture(t)

	err := router.RouteGSI(20, 0x60, func() {}, false, true)
	if !errors.Is(err, ErrNoController) {
		t.Errorf("GSI 20 in legacy mode: %v, want ErrNoController", err)
	}
}

func TestLegacyVectorMapping(t *testing.T) {
	for irq := uint8(0); irq < 16; irq++ {
		vector := LegacyVector(irq)
		back, ok := VectorToIRQ(vector)
		if !ok || back != irq {
			t.Errorf("IRQ %d -> vector %#x -> IRQ %d (%v)", irq, vector, back, ok)
		}
	}
	if _, ok := VectorToIRQ(0x30); ok {
		t.Error("vector 0x30 mapped to an IRQ")
	}
}
