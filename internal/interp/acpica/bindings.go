//go:build linux || darwin

// Package acpica binds a reference ACPI interpreter built as a shared
// library. The bindings are deliberately low level; the Interpreter type
// in this package adapts them to the Evaluator interface and everything
// higher level lives with the callers.
package acpica

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// libEnv overrides the library path for non-standard installs.
const libEnv = "FERRITE_ACPICA_LIB"

var (
	loadOnce sync.Once
	loadErr  error

	acpicaLib uintptr
)

var (
	acpiInitializeSubsystem func() uint32
	acpiInitializeTables    func(unsafe.Pointer, uint32, bool) uint32
	acpiLoadTables          func() uint32
	acpiEnableSubsystem     func(uint32) uint32
	acpiInitializeObjects   func(uint32) uint32
	acpiTerminate           func() uint32

	acpiGetHandle      func(uintptr, *byte, *uintptr) uint32
	acpiEvaluateObject func(uintptr, *byte, unsafe.Pointer, unsafe.Pointer) uint32
	acpiGetDevices     func(*byte, uintptr, unsafe.Pointer, unsafe.Pointer) uint32

	acpiEnterSleepStatePrep func(uint8) uint32
	acpiEnterSleepState     func(uint8) uint32

	acpiOsFree func(unsafe.Pointer)

	// Exported by the OS-layer shim the library is built with; every
	// AcpiOs* entry point forwards through the table registered here.
	acpiHostRegisterCallbacks func(unsafe.Pointer) uint32
)

// Load opens the interpreter library and binds the exported entry points.
func Load() error {
	loadOnce.Do(func() {
		path := os.Getenv(libEnv)
		if path == "" {
			path = "libacpica.so"
			if runtime.GOOS == "darwin" {
				path = "libacpica.dylib"
			}
		}

		var err error
		acpicaLib, err = purego.Dlopen(path, purego.RTLD_GLOBAL|purego.RTLD_LAZY)
		if err != nil {
			loadErr = fmt.Errorf("acpica: dlopen %s: %w", path, err)
			return
		}

		// Subsystem lifecycle
		purego.RegisterLibFunc(&acpiInitializeSubsystem, acpicaLib, "AcpiInitializeSubsystem")
		purego.RegisterLibFunc(&acpiInitializeTables, acpicaLib, "AcpiInitializeTables")
		purego.RegisterLibFunc(&acpiLoadTables, acpicaLib, "AcpiLoadTables")
		purego.RegisterLibFunc(&acpiEnableSubsystem, acpicaLib, "AcpiEnableSubsystem")
		purego.RegisterLibFunc(&acpiInitializeObjects, acpicaLib, "AcpiInitializeObjects")
		purego.RegisterLibFunc(&acpiTerminate, acpicaLib, "AcpiTerminate")

		// Namespace
		purego.RegisterLibFunc(&acpiGetHandle, acpicaLib, "AcpiGetHandle")
		purego.RegisterLibFunc(&acpiEvaluateObject, acpicaLib, "AcpiEvaluateObject")
		purego.RegisterLibFunc(&acpiGetDevices, acpicaLib, "AcpiGetDevices")

		// Sleep
		purego.RegisterLibFunc(&acpiEnterSleepStatePrep, acpicaLib, "AcpiEnterSleepStatePrep")
		purego.RegisterLibFunc(&acpiEnterSleepState, acpicaLib, "AcpiEnterSleepState")

		purego.RegisterLibFunc(&acpiOsFree, acpicaLib, "AcpiOsFree")

		// Host shim
		purego.RegisterLibFunc(&acpiHostRegisterCallbacks, acpicaLib, "AcpiHostRegisterCallbacks")
	})
	return loadErr
}

// Status codes from the interpreter's exception space.
const (
	aeOK       = 0x0000
	aeError    = 0x0001
	aeNotFound = 0x0005
)

// statusErr converts a non-zero interpreter status to an error.
func statusErr(op string, status uint32) error {
	if status == aeOK {
		return nil
	}
	return fmt.Errorf("acpica: %s: status %#04x", op, status)
}

// C-side object layouts. The interpreter is built for the same word size
// as this process; these mirror its public structs.

const (
	objectTypeAny     = 0
	objectTypeInteger = 1
)

type acpiObject struct {
	Type  uint32
	_     uint32
	Value uint64
	_     [2]uint64
}

type acpiObjectList struct {
	Count   uint32
	Pointer *acpiObject
}

type acpiBuffer struct {
	Length  uint64
	Pointer unsafe.Pointer
}

// allocateBuffer asks the interpreter to size and allocate the result.
const allocateBuffer = ^uint64(0)

func cstring(s string) *byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return &b[0]
}
