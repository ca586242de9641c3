//go:build !(linux || darwin)

package acpica

import (
	"errors"

	"github.com/ferrite-os/ferrite/internal/interp"
)

var errUnsupported = errors.New("acpica: interpreter library not supported on this platform")

// Interpreter is unavailable on this platform.
type Interpreter struct{}

func Load() error { return errUnsupported }

func New(interp.Host) (*Interpreter, error) { return nil, errUnsupported }

func (i *Interpreter) Close() error { return errUnsupported }

func (i *Interpreter) MethodExists(string) bool { return false }
func (i *Interpreter) EvaluateMethod(string, ...uint64) (uint64, error) {
	return 0, errUnsupported
}
func (i *Interpreter) DeviceAddresses() ([]interp.PCIAddress, error) { return nil, errUnsupported }
func (i *Interpreter) PrepareSleepState(uint8) error                 { return errUnsupported }
func (i *Interpreter) EnterSleepState(uint8) error                   { return errUnsupported }
