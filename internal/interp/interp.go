// Package interp defines the boundary to the ACPI bytecode interpreter.
// The interpreter is foreign code: it calls back into the kernel through
// the Host interface for every hardware touch, and the kernel calls into
// it through the Evaluator interface to run namespace methods. Neither
// side trusts the other's addresses; everything crosses as handles or
// plain values.
package interp

import (
	"errors"
	"fmt"
	"time"
)

// ErrSystemOff is the terminal success of EnterSleepState(5): on real
// hardware the call never returns, so a simulated or misbehaving platform
// signals completed power-off with this error instead. Any other return
// means the platform did not turn off.
var ErrSystemOff = errors.New("interp: system powered off")

// SleepStateOff is the ACPI soft-off sleep state.
const SleepStateOff = 5

// MappingHandle identifies one active physical-memory mapping created for
// the interpreter. Handles are never pointers and never reused while live.
type MappingHandle uint32

// SemaphoreHandle identifies a counting semaphore created for the
// interpreter.
type SemaphoreHandle uint32

// LockHandle identifies a spinlock created for the interpreter.
type LockHandle uint32

// PCIAddress names one PCI function.
type PCIAddress struct {
	Segment  uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Segment, a.Bus, a.Device, a.Function)
}

// Host is the callback surface the kernel hands to the interpreter. Every
// method must be callable from the interpreter's execution context, which
// may be an interrupt handler for the lock and signal operations.
type Host interface {
	// MapMemory makes [phys, phys+length) readable and writable through
	// the returned handle. Overlapping or reserved ranges are refused.
	MapMemory(phys, length uint64) (MappingHandle, error)
	// UnmapMemory releases a mapping. Unknown or already released handles
	// are an error, not a crash.
	UnmapMemory(handle MappingHandle) error
	// ReadMapped and WriteMapped access a mapping at a byte offset with a
	// width of 1, 2, 4 or 8 bytes.
	ReadMapped(handle MappingHandle, offset uint64, width int) (uint64, error)
	WriteMapped(handle MappingHandle, offset uint64, value uint64, width int) error

	// ReadPort and WritePort access the legacy I/O port space with a
	// width of 1, 2 or 4 bytes.
	ReadPort(port uint16, width int) (uint32, error)
	WritePort(port uint16, value uint32, width int) error

	// ReadPCIConfig and WritePCIConfig access PCI configuration space
	// with a width of 1, 2 or 4 bytes. Offsets run to 256 bytes, or 4096
	// when an enhanced access mechanism is available.
	ReadPCIConfig(addr PCIAddress, offset uint16, width int) (uint64, error)
	WritePCIConfig(addr PCIAddress, offset uint16, value uint64, width int) error

	// Allocate returns an opaque handle to a scratch buffer of the given
	// size and alignment; Free releases it. Distinct from MapMemory,
	// which windows existing physical ranges.
	Allocate(size, align uint64) (uintptr, error)
	Free(handle uintptr) error

	// InstallInterruptHandler routes a GSI to fn. The tag names the
	// owner; removal must present the same tag.
	InstallInterruptHandler(gsi uint32, tag string, fn func()) error
	RemoveInterruptHandler(gsi uint32, tag string) error

	// CreateSemaphore makes a counting semaphore with the given limit and
	// initial count.
	CreateSemaphore(limit, initial uint32) (SemaphoreHandle, error)
	DeleteSemaphore(handle SemaphoreHandle) error
	// WaitSemaphore takes units from the semaphore, blocking up to
	// timeout. A timeout of zero polls; a negative timeout waits forever.
	WaitSemaphore(handle SemaphoreHandle, units uint32, timeout time.Duration) error
	SignalSemaphore(handle SemaphoreHandle, units uint32) error

	// CreateLock makes a spinlock safe to take from interrupt context.
	CreateLock() (LockHandle, error)
	DeleteLock(handle LockHandle) error
	AcquireLock(handle LockHandle) error
	ReleaseLock(handle LockHandle) error

	// Stall busy-waits without yielding; Sleep yields the processor.
	Stall(d time.Duration)
	Sleep(d time.Duration)

	// Printf receives the interpreter's diagnostic output.
	Printf(format string, args ...any)
}

// Evaluator is the kernel's view of the interpreter: namespace queries and
// method evaluation. Implementations wrap a real interpreter library or a
// scripted stand-in.
type Evaluator interface {
	// MethodExists reports whether a namespace path resolves to a method.
	MethodExists(path string) bool
	// EvaluateMethod runs a namespace method with integer arguments and
	// returns its integer result (zero for methods returning nothing).
	EvaluateMethod(path string, args ...uint64) (uint64, error)
	// DeviceAddresses lists the PCI functions the namespace declares.
	DeviceAddresses() ([]PCIAddress, error)
	// PrepareSleepState runs the firmware's pre-transition methods for a
	// sleep state.
	PrepareSleepState(state uint8) error
	// EnterSleepState commits the transition. For SleepStateOff the only
	// success is ErrSystemOff; a nil return means the platform stayed up.
	EnterSleepState(state uint8) error
}
