//go:build linux || darwin

package acpica

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/ferrite-os/ferrite/internal/interp"
)

// Interpreter adapts the library bindings to the Evaluator interface. One
// instance corresponds to the single global interpreter the library holds;
// every entry takes the re-entrancy guard because the library is not
// reentrant.
type Interpreter struct {
	guard interp.Guard
}

// New loads the library, registers host adapters over its OS-layer shim,
// and brings the interpreter subsystem up. Everything the library touches
// afterwards — firmware tables, registers, ports, the SCI line — flows
// through host.
func New(host interp.Host) (*Interpreter, error) {
	if host == nil {
		return nil, fmt.Errorf("acpica: nil host")
	}
	if err := Load(); err != nil {
		return nil, err
	}
	if err := installHost(host); err != nil {
		return nil, err
	}
	if err := statusErr("initialize subsystem", acpiInitializeSubsystem()); err != nil {
		return nil, err
	}
	if err := statusErr("initialize tables", acpiInitializeTables(nil, 16, false)); err != nil {
		return nil, err
	}
	if err := statusErr("load tables", acpiLoadTables()); err != nil {
		return nil, err
	}
	if err := statusErr("enable subsystem", acpiEnableSubsystem(0)); err != nil {
		return nil, err
	}
	if err := statusErr("initialize objects", acpiInitializeObjects(0)); err != nil {
		return nil, err
	}
	return &Interpreter{}, nil
}

// Close shuts the interpreter subsystem down.
func (i *Interpreter) Close() error {
	i.guard.Acquire()
	defer i.guard.Release()
	return statusErr("terminate", acpiTerminate())
}

// MethodExists implements interp.Evaluator.
func (i *Interpreter) MethodExists(path string) bool {
	i.guard.Acquire()
	defer i.guard.Release()
	var handle uintptr
	return acpiGetHandle(0, cstring(path), &handle) == aeOK
}

// EvaluateMethod implements interp.Evaluator.
func (i *Interpreter) EvaluateMethod(path string, args ...uint64) (uint64, error) {
	i.guard.Acquire()
	defer i.guard.Release()
	return i.evaluate(0, path, args...)
}

func (i *Interpreter) evaluate(handle uintptr, path string, args ...uint64) (uint64, error) {
	var argList acpiObjectList
	if len(args) > 0 {
		objs := make([]acpiObject, len(args))
		for n, arg := range args {
			objs[n] = acpiObject{Type: objectTypeInteger, Value: arg}
		}
		argList = acpiObjectList{Count: uint32(len(objs)), Pointer: &objs[0]}
	}

	result := acpiBuffer{Length: allocateBuffer}
	status := acpiEvaluateObject(handle, cstring(path),
		unsafe.Pointer(&argList), unsafe.Pointer(&result))
	if err := statusErr(fmt.Sprintf("evaluate %s", path), status); err != nil {
		return 0, err
	}
	if result.Pointer == nil {
		return 0, nil
	}
	defer acpiOsFree(result.Pointer)

	obj := (*acpiObject)(result.Pointer)
	if obj.Type != objectTypeInteger {
		return 0, nil
	}
	return obj.Value, nil
}

// DeviceAddresses implements interp.Evaluator. The namespace walk collects
// the _ADR value of every device that carries one; the interpreter does
// not know bus numbers, so addresses are reported on the root segment and
// bus and matched there.
func (i *Interpreter) DeviceAddresses() ([]interp.PCIAddress, error) {
	i.guard.Acquire()
	defer i.guard.Release()

	var (
		addrs   []interp.PCIAddress
		walkErr error
	)
	callback := purego.NewCallback(func(handle uintptr, depth uint32, ctx, ret unsafe.Pointer) uintptr {
		value, err := i.evaluate(handle, "_ADR")
		if err != nil {
			// Devices without _ADR are not PCI functions; skip them.
			return aeOK
		}
		addrs = append(addrs, interp.PCIAddress{
			Device:   uint8(value>>16) & 0x1F,
			Function: uint8(value) & 0x7,
		})
		return aeOK
	})

	status := acpiGetDevices(nil, callback, nil, nil)
	if err := statusErr("walk devices", status); err != nil {
		return nil, err
	}
	return addrs, walkErr
}

// PrepareSleepState implements interp.Evaluator.
func (i *Interpreter) PrepareSleepState(state uint8) error {
	i.guard.Acquire()
	defer i.guard.Release()
	return statusErr("prepare sleep state", acpiEnterSleepStatePrep(state))
}

// EnterSleepState implements interp.Evaluator. A power-off that takes
// effect never returns from the library; a return with success status
// therefore means the platform stayed up, and the caller treats it as a
// failure. ErrSystemOff is only produced by simulated platforms.
func (i *Interpreter) EnterSleepState(state uint8) error {
	i.guard.Acquire()
	defer i.guard.Release()
	return statusErr("enter sleep state", acpiEnterSleepState(state))
}

var _ interp.Evaluator = (*Interpreter)(nil)
