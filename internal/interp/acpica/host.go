//go:build linux || darwin

package acpica

import (
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/ferrite-os/ferrite/internal/interp"
)

// The library is linked against a thin OS layer that owns no policy: each
// AcpiOs* entry point forwards through a table of host function pointers
// registered with AcpiHostRegisterCallbacks, so the interpreter reaches
// memory, ports, PCI and interrupts only through interp.Host. Allocation
// is the one exception: AcpiOsAllocate must hand the library a real
// pointer, which no opaque handle can satisfy, so the shim serves it from
// its own heap.
//
// hostTable mirrors the shim's struct layout; the field order is ABI.
type hostTable struct {
	mapMemory   uintptr // (phys, length uint64, out *uint32) status
	unmapMemory uintptr // (handle uint32) status
	readMapped  uintptr // (handle uint32, offset uint64, width uint32, out *uint64) status
	writeMapped uintptr // (handle uint32, offset, value uint64, width uint32) status

	readPort  uintptr // (port, width uint32, out *uint32) status
	writePort uintptr // (port, value, width uint32) status

	readPCIConfig  uintptr // (seg, bus, dev, fn, offset, width uint32, out *uint64) status
	writePCIConfig uintptr // (seg, bus, dev, fn, offset uint32, value uint64, width uint32) status

	installInterrupt uintptr // (gsi uint32, handler, context uintptr) status
	removeInterrupt  uintptr // (gsi uint32, handler uintptr) status

	createSemaphore uintptr // (limit, initial uint32, out *uint32) status
	deleteSemaphore uintptr // (handle uint32) status
	waitSemaphore   uintptr // (handle, units, timeoutMs uint32) status
	signalSemaphore uintptr // (handle, units uint32) status

	createLock  uintptr // (out *uint32) status
	deleteLock  uintptr // (handle uint32) status
	acquireLock uintptr // (handle uint32) status
	releaseLock uintptr // (handle uint32) status

	stall uintptr // (usec uint32) status
	sleep uintptr // (msec uint64) status

	printf uintptr // (msg *byte) status, formatted by the shim
}

// interruptTag names the routes the interpreter claims through the
// services layer.
const interruptTag = "interp"

// semaphoreWaitForever is the library's "no timeout" sentinel.
const semaphoreWaitForever = 0xFFFF

var (
	installOnce sync.Once
	installErr  error

	// The shim keeps raw pointers into the table; it must stay reachable
	// for the life of the process.
	installedTable *hostTable
)

// installHost registers host adapters with the library. The library is a
// process-wide singleton and callbacks cannot be unregistered, so the
// first host wins and later calls see its registration.
func installHost(host interp.Host) error {
	installOnce.Do(func() {
		a := &hostAdapter{host: host}
		installedTable = &hostTable{
			mapMemory:   purego.NewCallback(a.mapMemory),
			unmapMemory: purego.NewCallback(a.unmapMemory),
			readMapped:  purego.NewCallback(a.readMapped),
			writeMapped: purego.NewCallback(a.writeMapped),

			readPort:  purego.NewCallback(a.readPort),
			writePort: purego.NewCallback(a.writePort),

			readPCIConfig:  purego.NewCallback(a.readPCIConfig),
			writePCIConfig: purego.NewCallback(a.writePCIConfig),

			installInterrupt: purego.NewCallback(a.installInterrupt),
			removeInterrupt:  purego.NewCallback(a.removeInterrupt),

			createSemaphore: purego.NewCallback(a.createSemaphore),
			deleteSemaphore: purego.NewCallback(a.deleteSemaphore),
			waitSemaphore:   purego.NewCallback(a.waitSemaphore),
			signalSemaphore: purego.NewCallback(a.signalSemaphore),

			createLock:  purego.NewCallback(a.createLock),
			deleteLock:  purego.NewCallback(a.deleteLock),
			acquireLock: purego.NewCallback(a.acquireLock),
			releaseLock: purego.NewCallback(a.releaseLock),

			stall: purego.NewCallback(a.stall),
			sleep: purego.NewCallback(a.sleep),

			printf: purego.NewCallback(a.printf),
		}
		installErr = statusErr("register host callbacks",
			acpiHostRegisterCallbacks(unsafe.Pointer(installedTable)))
	})
	return installErr
}

// hostAdapter converts between the shim's C signatures and interp.Host.
// Methods return interpreter status codes; errors never cross the foreign
// frame as panics.
type hostAdapter struct {
	host interp.Host
}

func (a *hostAdapter) mapMemory(phys, length uint64, out *uint32) uint32 {
	handle, err := a.host.MapMemory(phys, length)
	if err != nil {
		return aeError
	}
	*out = uint32(handle)
	return aeOK
}

func (a *hostAdapter) unmapMemory(handle uint32) uint32 {
	if err := a.host.UnmapMemory(interp.MappingHandle(handle)); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) readMapped(handle uint32, offset uint64, width uint32, out *uint64) uint32 {
	value, err := a.host.ReadMapped(interp.MappingHandle(handle), offset, int(width))
	if err != nil {
		return aeError
	}
	*out = value
	return aeOK
}

func (a *hostAdapter) writeMapped(handle uint32, offset, value uint64, width uint32) uint32 {
	if err := a.host.WriteMapped(interp.MappingHandle(handle), offset, value, int(width)); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) readPort(port, width uint32, out *uint32) uint32 {
	value, err := a.host.ReadPort(uint16(port), int(width))
	if err != nil {
		return aeError
	}
	*out = value
	return aeOK
}

func (a *hostAdapter) writePort(port, value, width uint32) uint32 {
	if err := a.host.WritePort(uint16(port), value, int(width)); err != nil {
		return aeError
	}
	return aeOK
}

func pciAddress(segment, bus, device, function uint32) interp.PCIAddress {
	return interp.PCIAddress{
		Segment:  uint16(segment),
		Bus:      uint8(bus),
		Device:   uint8(device),
		Function: uint8(function),
	}
}

func (a *hostAdapter) readPCIConfig(segment, bus, device, function, offset, width uint32, out *uint64) uint32 {
	value, err := a.host.ReadPCIConfig(pciAddress(segment, bus, device, function), uint16(offset), int(width))
	if err != nil {
		return aeError
	}
	*out = value
	return aeOK
}

func (a *hostAdapter) writePCIConfig(segment, bus, device, function, offset uint32, value uint64, width uint32) uint32 {
	if err := a.host.WritePCIConfig(pciAddress(segment, bus, device, function), uint16(offset), value, int(width)); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) installInterrupt(gsi uint32, handler, context uintptr) uint32 {
	err := a.host.InstallInterruptHandler(gsi, interruptTag, func() {
		purego.SyscallN(handler, context)
	})
	if err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) removeInterrupt(gsi uint32, handler uintptr) uint32 {
	if err := a.host.RemoveInterruptHandler(gsi, interruptTag); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) createSemaphore(limit, initial uint32, out *uint32) uint32 {
	handle, err := a.host.CreateSemaphore(limit, initial)
	if err != nil {
		return aeError
	}
	*out = uint32(handle)
	return aeOK
}

func (a *hostAdapter) deleteSemaphore(handle uint32) uint32 {
	if err := a.host.DeleteSemaphore(interp.SemaphoreHandle(handle)); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) waitSemaphore(handle, units, timeoutMs uint32) uint32 {
	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeoutMs == semaphoreWaitForever {
		timeout = -1
	}
	if err := a.host.WaitSemaphore(interp.SemaphoreHandle(handle), units, timeout); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) signalSemaphore(handle, units uint32) uint32 {
	if err := a.host.SignalSemaphore(interp.SemaphoreHandle(handle), units); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) createLock(out *uint32) uint32 {
	handle, err := a.host.CreateLock()
	if err != nil {
		return aeError
	}
	*out = uint32(handle)
	return aeOK
}

func (a *hostAdapter) deleteLock(handle uint32) uint32 {
	if err := a.host.DeleteLock(interp.LockHandle(handle)); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) acquireLock(handle uint32) uint32 {
	if err := a.host.AcquireLock(interp.LockHandle(handle)); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) releaseLock(handle uint32) uint32 {
	if err := a.host.ReleaseLock(interp.LockHandle(handle)); err != nil {
		return aeError
	}
	return aeOK
}

func (a *hostAdapter) stall(usec uint32) uint32 {
	a.host.Stall(time.Duration(usec) * time.Microsecond)
	return aeOK
}

func (a *hostAdapter) sleep(msec uint64) uint32 {
	a.host.Sleep(time.Duration(msec) * time.Millisecond)
	return aeOK
}

func (a *hostAdapter) printf(msg *byte) uint32 {
	a.host.Printf("%s", goString(msg))
	return aeOK
}

func goString(p *byte) string {
	if p == nil {
		return ""
	}
	var b []byte
	for ptr := unsafe.Pointer(p); *(*byte)(ptr) != 0; ptr = unsafe.Add(ptr, 1) {
		b = append(b, *(*byte)(ptr))
	}
	return string(b)
}
