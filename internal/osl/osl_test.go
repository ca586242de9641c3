package osl

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ferrite-os/ferrite/internal/firmware"
	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/interp"
	"github.com/ferrite-os/ferrite/internal/intr"
	"github.com/ferrite-os/ferrite/internal/pcibus"
	"github.com/ferrite-os/ferrite/internal/topology"
)

const (
	testIOAPICBase = 0xFEC00000
	testLAPICBase  = 0xFEE00000
	testRAMBase    = 0x100000
)

type fixture struct {
	bus      *hwio.SimBus
	fabric   *pcibus.SimFabric
	services *Services
	router   *intr.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := hwio.NewSimBus()
	if err := bus.AddRAM(testRAMBase, 0x10000); err != nil {
		t.Fatal(err)
	}

	for _, attach := range []func(*hwio.SimBus) error{
		intr.NewSimIOAPIC(testIOAPICBase, 0, 24).AttachTo,
		intr.NewSimLocalAPIC(testLAPICBase, 0).AttachTo,
		intr.NewSimDualPIC().AttachTo,
	} {
		if err := attach(bus); err != nil {
			t.Fatal(err)
		}
	}
	fabric := pcibus.NewSimFabric()
	if err := fabric.AttachTo(bus); err != nil {
		t.Fatal(err)
	}

	topo, err := topology.Build(&firmware.MADT{
		LocalAPICAddr:  testLAPICBase,
		PCATCompatible: true,
		Records: []firmware.Record{
			firmware.RecordIOAPIC{ID: 0, Address: testIOAPICBase, GSIBase: 0},
		},
	}, topology.Options{})
	if err != nil {
		t.Fatal(err)
	}
	router, err := intr.NewRouter(intr.RouterConfig{
		Topology: topo, Memory: bus, Ports: bus, Log: slog.Default(),
	})
	if err != nil {
		t.Fatal(err)
	}

	services := New(Config{
		Memory: bus,
		Ports:  bus,
		PCI:    pcibus.NewPortMechanism(bus),
		Router: router,
		Log:    slog.Default(),
		Reserved: []hwio.Region{
			{Address: testIOAPICBase, Size: 0x1000},
			{Address: testLAPICBase, Size: 0x1000},
		},
	})
	return &fixture{bus: bus, fabric: fabric, services: services, router: router}
}

func TestMappingLifecycle(t *testing.T) {
	fx := newFixture(t)
	svc := fx.services

	handle, err := svc.MapMemory(testRAMBase, 0x1000)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.WriteMapped(handle, 0x10, 0xDEADBEEFCAFEF00D, 8); err != nil {
		t.Fatal(err)
	}
	value, err := svc.ReadMapped(handle, 0x10, 8)
	if err != nil {
		t.Fatal(err)
	}
	if value != 0xDEADBEEFCAFEF00D {
		t.Errorf("read back %#x", value)
	}
	narrow, err := svc.ReadMapped(handle, 0x10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if narrow != 0xF00D {
		t.Errorf("2-byte read = %#x", narrow)
	}

	if err := svc.UnmapMemory(handle); err != nil {
		t.Fatal(err)
	}
	if err := svc.UnmapMemory(handle); !errors.Is(err, ErrBadHandle) {
		t.Errorf("double unmap: %v, want ErrBadHandle", err)
	}
	if _, err := svc.ReadMapped(handle, 0, 4); !errors.Is(err, ErrBadHandle) {
		t.Errorf("read after unmap: %v, want ErrBadHandle", err)
	}
}

func TestMappingValidation(t *testing.T) {
	fx := newFixture(t)
	svc := fx.services

	if _, err := svc.MapMemory(testRAMBase, 0); !errors.Is(err, ErrMapFailed) {
		t.Errorf("zero length: %v", err)
	}
	if _, err := svc.MapMemory(testIOAPICBase+0x800, 0x1000); !errors.Is(err, ErrMapFailed) {
		t.Errorf("reserved overlap: %v", err)
	}

	handle, err := svc.MapMemory(testRAMBase, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReadMapped(handle, 0xFD, 4); !errors.Is(err, ErrBadHandle) {
		t.Errorf("out-of-bounds access: %v", err)
	}
	if _, err := svc.ReadMapped(handle, 0, 3); !errors.Is(err, ErrBadHandle) {
		t.Errorf("width 3: %v", err)
	}
}

func TestPCIConfigQwordSplit(t *testing.T) {
	fx := newFixture(t)
	fx.fabric.AddFunction(pcibus.SimFunctionConfig{
		Address:  interp.PCIAddress{Bus: 0, Device: 2},
		VendorID: 0x1234, DeviceID: 0x5678,
	})

	// Vendor+device+command+status as one qword.
	value, err := fx.services.ReadPCIConfig(interp.PCIAddress{Device: 2}, 0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if uint16(value) != 0x1234 || uint16(value>>16) != 0x5678 {
		t.Errorf("qword read = %#x", value)
	}

	if _, err := fx.services.ReadPCIConfig(interp.PCIAddress{Device: 2}, 7, 4); !errors.Is(err, pcibus.ErrInvalidAccess) {
		t.Errorf("misaligned read: %v", err)
	}
}

func TestPortRoundTrip(t *testing.T) {
	fx := newFixture(t)

	// Unclaimed ports float high.
	value, err := fx.services.ReadPort(0x80, 1)
	if err != nil {
		t.Fatal(err)
	}
	if value != 0xFF {
		t.Errorf("unclaimed port read = %#x", value)
	}
	if err := fx.services.WritePort(0x80, 0, 1); err != nil {
		t.Errorf("port write: %v", err)
	}
}

func TestPortWidthValidation(t *testing.T) {
	fx := newFixture(t)
	for _, width := range []int{-1, 0, 3, 8} {
		if _, err := fx.services.ReadPort(0x80, width); !errors.Is(err, pcibus.ErrInvalidAccess) {
			t.Errorf("read width %d: %v, want ErrInvalidAccess", width, err)
		}
		if err := fx.services.WritePort(0x80, 0, width); !errors.Is(err, pcibus.ErrInvalidAccess) {
			t.Errorf("write width %d: %v, want ErrInvalidAccess", width, err)
		}
	}
}

func TestAllocateAndFree(t *testing.T) {
	fx := newFixture(t)
	svc := fx.services

	buf, err := svc.Allocate(64, 8)
	if err != nil {
		t.Fatal(err)
	}
	if buf == 0 {
		t.Fatal("zero handle")
	}
	if err := svc.Free(buf); err != nil {
		t.Fatal(err)
	}
	if err := svc.Free(buf); !errors.Is(err, ErrBadHandle) {
		t.Errorf("double free: %v, want ErrBadHandle", err)
	}

	if _, err := svc.Allocate(0, 8); err == nil {
		t.Error("zero-size allocation accepted")
	}
	if _, err := svc.Allocate(16, 3); err == nil {
		t.Error("non-power-of-two alignment accepted")
	}
}

func TestSemaphoreWaitAndSignal(t *testing.T) {
	fx := newFixture(t)
	svc := fx.services

	if _, err := svc.CreateSemaphore(2, 3); !errors.Is(err, ErrBadHandle) {
		t.Errorf("initial above limit: %v", err)
	}

	sem, err := svc.CreateSemaphore(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.WaitSemaphore(sem, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := svc.SignalSemaphore(sem, 2); err != nil {
		t.Fatal(err)
	}
	if err := svc.SignalSemaphore(sem, 1); !errors.Is(err, ErrBadHandle) {
		t.Errorf("signal past limit: %v", err)
	}
	if err := svc.WaitSemaphore(sem, 2, 0); err != nil {
		t.Fatal(err)
	}
}

func TestSemaphoreTimeoutPoisons(t *testing.T) {
	fx := newFixture(t)
	svc := fx.services

	sem, err := svc.CreateSemaphore(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.WaitSemaphore(sem, 1, 10*time.Millisecond); !errors.Is(err, ErrWaitExhausted) {
		t.Fatalf("timed-out wait: %v, want ErrWaitExhausted", err)
	}

	// Poisoned: signaling and waiting both keep failing.
	if err := svc.SignalSemaphore(sem, 1); !errors.Is(err, ErrWaitExhausted) {
		t.Errorf("signal after poison: %v", err)
	}
	if err := svc.WaitSemaphore(sem, 1, 0); !errors.Is(err, ErrWaitExhausted) {
		t.Errorf("wait after poison: %v", err)
	}
}

func TestSemaphoreContended(t *testing.T) {
	fx := newFixture(t)
	svc := fx.services

	sem, err := svc.CreateSemaphore(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- svc.WaitSemaphore(sem, 1, time.Second)
	}()
	if err := svc.SignalSemaphore(sem, 1); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Errorf("contended wait: %v", err)
	}
}

func TestLockLifecycle(t *testing.T) {
	fx := newFixture(t)
	svc := fx.services

	lock, err := svc.CreateLock()
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.AcquireLock(lock); err != nil {
		t.Fatal(err)
	}
	if err := svc.ReleaseLock(lock); err != nil {
		t.Fatal(err)
	}
	if err := svc.ReleaseLock(lock); !errors.Is(err, ErrBadHandle) {
		t.Errorf("release while free: %v", err)
	}
	if err := svc.DeleteLock(lock); err != nil {
		t.Fatal(err)
	}
	if err := svc.AcquireLock(lock); !errors.Is(err, ErrBadHandle) {
		t.Errorf("acquire deleted lock: %v", err)
	}
}

func TestInstallInterruptHandler(t *testing.T) {
	fx := newFixture(t)
	svc := fx.services

	fired := 0
	if err := svc.InstallInterruptHandler(9, "sci", func() { fired++ }); err != nil {
		t.Fatal(err)
	}
	if err := svc.InstallInterruptHandler(9, "sci", func() {}); err == nil {
		t.Fatal("duplicate install accepted")
	}

	// The handler is reachable through dispatch on its allocated vector.
	dispatched := false
	for vector := uint8(firstDynamicVector); vector <= lastDynamicVector; vector++ {
		if fx.router.Routed(vector) {
			fx.router.Dispatch(vector)
			dispatched = true
			break
		}
	}
	if !dispatched || fired != 1 {
		t.Errorf("dispatched=%v fired=%d", dispatched, fired)
	}

	if err := svc.RemoveInterruptHandler(9, "wrong-tag"); err == nil {
		t.Error("removal with wrong tag accepted")
	}
	if err := svc.RemoveInterruptHandler(9, "sci"); err != nil {
		t.Fatal(err)
	}
	if err := svc.RemoveInterruptHandler(9, "sci"); err == nil {
		t.Error("double removal accepted")
	}
}

func TestInstallInterruptHandlerLegacyMode(t *testing.T) {
	bus := hwio.NewSimBus()
	pic := intr.NewSimDualPIC()
	if err := pic.AttachTo(bus); err != nil {
		t.Fatal(err)
	}
	router, err := intr.NewRouter(intr.RouterConfig{
		Topology: topology.LegacyFallback(), Memory: bus, Ports: bus, Log: slog.Default(),
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := New(Config{
		Memory: bus, Ports: bus, PCI: pcibus.NewPortMechanism(bus),
		Router: router, Log: slog.Default(),
	})

	if err := svc.InstallInterruptHandler(9, "sci", func() {}); err != nil {
		t.Fatal(err)
	}
	if !router.Routed(intr.LegacyVector(9)) {
		t.Error("legacy-mode install did not use the fixed 8259 vector")
	}
}

func TestStallReturnsAfterDuration(t *testing.T) {
	fx := newFixture(t)
	start := time.Now()
	fx.services.Stall(time.Millisecond)
	if elapsed := time.Since(start); elapsed < time.Millisecond {
		t.Errorf("stall returned after %v", elapsed)
	}
}
