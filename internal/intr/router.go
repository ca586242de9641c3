package intr

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ferrite-os/ferrite/internal/firmware"
	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/topology"
)

var (
	// ErrVectorInUse is returned when a vector already has a route. The
	// existing route is untouched.
	ErrVectorInUse = errors.New("intr: vector in use")
	// ErrNotRouted is returned when a line or vector has no route.
	ErrNotRouted = errors.New("intr: not routed")
	// ErrNoController is returned for a GSI no I/O APIC serves.
	ErrNoController = errors.New("intr: no controller for line")
)

// vectorCount is the size of the CPU vector space.
const vectorCount = 256

// routeEntry is the published state of one vector. Immutable once stored;
// Dispatch reads it lock-free.
type routeEntry struct {
	handler func()
	// legacy selects the 8259 acknowledge path; irq is the line to EOI.
	legacy bool
	irq    uint8
	apic   *IOAPIC
	pin    uint32
}

// RouterConfig assembles a Router from the hardware capabilities it drives.
type RouterConfig struct {
	Topology *topology.Topology
	Memory   hwio.PhysicalMemory
	Ports    hwio.PortIO
	Vectors  hwio.VectorTable
	Log      *slog.Logger
}

// Stats are the router's dispatch counters.
type Stats struct {
	Dispatched uint64
	Unrouted   uint64
	Spurious   uint64
	PICEOIs    uint64
	APICEOIs   uint64
}

// Router owns vector assignment and the interrupt controllers. Routing and
// unrouting are serialized; Dispatch is safe from interrupt context and
// takes no locks.
type Router struct {
	topo    *topology.Topology
	pic     *DualPIC
	lapic   *LocalAPIC
	ioapics []*IOAPIC
	vt      hwio.VectorTable
	log     *slog.Logger

	// apicID is the boot processor's local APIC ID, the destination for
	// every redirection entry.
	apicID uint8

	mu       sync.Mutex
	handlers [vectorCount]atomic.Pointer[routeEntry]

	dispatched atomic.Uint64
	unrouted   atomic.Uint64
	spurious   atomic.Uint64
	picEOIs    atomic.Uint64
	apicEOIs   atomic.Uint64
}

// NewRouter initializes the controllers for the given topology. The 8259
// pair is always remapped so a stray legacy vector can never alias a CPU
// exception. In legacy-only mode it stays the active controller; otherwise
// it is fully masked, every I/O APIC pin is masked, and the local APIC is
// software-enabled before any route exists.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Vectors == nil {
		cfg.Vectors = hwio.VectorTableDetached()
	}

	r := &Router{
		topo: cfg.Topology,
		pic:  NewDualPIC(cfg.Ports),
		vt:   cfg.Vectors,
		log:  cfg.Log,
	}

	if err := r.pic.Remap(); err != nil {
		return nil, fmt.Errorf("intr: remap 8259 pair: %w", err)
	}

	if cfg.Topology.LegacyOnly() {
		r.log.Info("interrupt routing in legacy-only mode")
		return r, nil
	}

	for _, apic := range cfg.Topology.IOAPICs() {
		drv := NewIOAPIC(cfg.Memory, apic.Address, apic.GSIBase)
		if err := drv.MaskAll(); err != nil {
			return nil, fmt.Errorf("intr: quiesce I/O APIC %d: %w", apic.ID, err)
		}
		r.ioapics = append(r.ioapics, drv)
	}
	if cfg.Topology.PCATCompatible() {
		if err := r.pic.DisableAll(); err != nil {
			return nil, fmt.Errorf("intr: mask 8259 pair: %w", err)
		}
	}

	r.lapic = NewLocalAPIC(cfg.Memory, cfg.Topology.LocalAPICAddr())
	if err := r.lapic.Enable(); err != nil {
		return nil, fmt.Errorf("intr: enable local APIC: %w", err)
	}
	id, err := r.lapic.ID()
	if err != nil {
		return nil, fmt.Errorf("intr: read local APIC ID: %w", err)
	}
	r.apicID = id

	r.log.Info("interrupt routing in APIC mode",
		"ioapics", len(r.ioapics), "apic_id", id)
	return r, nil
}

// LegacyOnly reports whether the 8259 pair is the active controller.
func (r *Router) LegacyOnly() bool { return r.topo.LegacyOnly() }

// RouteLegacyIRQ routes a legacy IRQ (0-15) to a vector. The IRQ's firmware
// override, if any, decides the GSI and line mode. In legacy-only mode the
// vector is dictated by the 8259 remap offsets and anything else is
// rejected.
func (r *Router) RouteLegacyIRQ(irq, vector uint8, handler func()) error {
	route, err := r.topo.LegacyIRQ(irq)
	if err != nil {
		return err
	}

	if r.topo.LegacyOnly() {
		if vector != LegacyVector(irq) {
			return fmt.Errorf("intr: IRQ %d is fixed to vector %#x in legacy mode, got %#x",
				irq, LegacyVector(irq), vector)
		}
		return r.routePIC(irq, vector, handler)
	}
	return r.routeGSI(route.GSI, vector, handler,
		route.Polarity == firmware.PolarityLow,
		route.Trigger == firmware.TriggerLevel)
}

// RouteGSI routes a global system interrupt to a vector with an explicit
// line mode. Rejected in legacy-only mode: there is no controller for GSIs
// beyond the 8259 lines.
func (r *Router) RouteGSI(gsi uint32, vector uint8, handler func(), activeLow, levelTriggered bool) error {
	if r.topo.LegacyOnly() {
		if gsi < 16 {
			return r.RouteLegacyIRQ(uint8(gsi), vector, handler)
		}
		return fmt.Errorf("intr: GSI %d: %w", gsi, ErrNoController)
	}
	return r.routeGSI(gsi, vector, handler, activeLow, levelTriggered)
}

func (r *Router) routePIC(irq, vector uint8, handler func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers[vector].Load() != nil {
		return fmt.Errorf("intr: vector %#x: %w", vector, ErrVectorInUse)
	}
	if err := r.vt.Install(vector, r.entryFor(vector)); err != nil {
		return err
	}
	// Publish before unmasking so the first delivery finds its handler.
	r.handlers[vector].Store(&routeEntry{handler: handler, legacy: true, irq: irq})
	if err := r.pic.Unmask(irq); err != nil {
		r.handlers[vector].Store(nil)
		return err
	}
	r.log.Debug("routed legacy IRQ", "irq", irq, "vector", fmt.Sprintf("%#x", vector))
	return nil
}

func (r *Router) routeGSI(gsi uint32, vector uint8, handler func(), activeLow, levelTriggered bool) error {
	apicInfo, pin, ok := r.topo.LookupGSI(gsi)
	if !ok {
		return fmt.Errorf("intr: GSI %d: %w", gsi, ErrNoController)
	}
	drv := r.driverFor(apicInfo.GSIBase)
	if drv == nil {
		return fmt.Errorf("intr: GSI %d: %w", gsi, ErrNoController)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers[vector].Load() != nil {
		return fmt.Errorf("intr: vector %#x: %w", vector, ErrVectorInUse)
	}
	if err := r.vt.Install(vector, r.entryFor(vector)); err != nil {
		return err
	}

	entry := NewRedirEntry(vector, r.apicID, activeLow, levelTriggered)
	// Program the pin masked, publish the handler, then open the line.
	if err := drv.WriteRedirect(pin, entry.WithMask(true)); err != nil {
		return err
	}
	r.handlers[vector].Store(&routeEntry{handler: handler, apic: drv, pin: pin})
	if err := drv.WriteRedirect(pin, entry); err != nil {
		r.handlers[vector].Store(nil)
		return err
	}
	r.log.Debug("routed GSI", "gsi", gsi, "pin", pin, "vector", fmt.Sprintf("%#x", vector),
		"level", levelTriggered, "active_low", activeLow)
	return nil
}

// Unroute tears down a vector's route: the handler is unpublished first,
// then the line is masked. A delivery racing the teardown is acknowledged
// as unrouted rather than lost.
func (r *Router) Unroute(vector uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.handlers[vector].Load()
	if entry == nil {
		return fmt.Errorf("intr: vector %#x: %w", vector, ErrNotRouted)
	}
	r.handlers[vector].Store(nil)
	if entry.legacy {
		return r.pic.Mask(entry.irq)
	}
	return entry.apic.MaskPin(entry.pin)
}

// Routed reports whether a vector currently has a handler.
func (r *Router) Routed(vector uint8) bool {
	return r.handlers[vector].Load() != nil
}

// Dispatch delivers a vector to its handler and acknowledges the
// controller. Unknown vectors are acknowledged and counted so a level
// line that fired without a route cannot storm. Safe from interrupt
// context: no allocation, no locks.
func (r *Router) Dispatch(vector uint8) {
	if r.lapic != nil && vector == SpuriousVector {
		// Spurious local APIC delivery gets no EOI.
		r.spurious.Add(1)
		return
	}

	entry := r.handlers[vector].Load()
	if entry == nil {
		r.unrouted.Add(1)
		r.ack(vector)
		r.log.Warn("unrouted interrupt", "vector", fmt.Sprintf("%#x", vector))
		return
	}

	entry.handler()
	r.dispatched.Add(1)
	if entry.legacy {
		r.picEOIs.Add(1)
		if err := r.pic.EOI(entry.irq); err != nil {
			r.log.Error("8259 EOI failed", "irq", entry.irq, "err", err)
		}
		return
	}
	r.apicEOIs.Add(1)
	if err := r.lapic.EOI(); err != nil {
		r.log.Error("local APIC EOI failed", "err", err)
	}
}

// ack acknowledges a vector with no route on whichever controller could
// have delivered it.
func (r *Router) ack(vector uint8) {
	if irq, ok := VectorToIRQ(vector); ok && (r.lapic == nil || r.topo.PCATCompatible()) {
		r.picEOIs.Add(1)
		_ = r.pic.EOI(irq)
		return
	}
	if r.lapic != nil {
		r.apicEOIs.Add(1)
		_ = r.lapic.EOI()
	}
}

// Stats snapshots the dispatch counters.
func (r *Router) Stats() Stats {
	return Stats{
		Dispatched: r.dispatched.Load(),
		Unrouted:   r.unrouted.Load(),
		Spurious:   r.spurious.Load(),
		PICEOIs:    r.picEOIs.Load(),
		APICEOIs:   r.apicEOIs.Load(),
	}
}

func (r *Router) driverFor(gsiBase uint32) *IOAPIC {
	for _, drv := range r.ioapics {
		if drv.GSIBase() == gsiBase {
			return drv
		}
	}
	return nil
}

func (r *Router) entryFor(vector uint8) func() {
	return func() { r.Dispatch(vector) }
}
