package interp

import (
	"fmt"
	"sync"
)

// MethodFunc implements one scripted namespace method.
type MethodFunc func(args ...uint64) (uint64, error)

// Scripted is an Evaluator driven by a method table instead of bytecode.
// Tests and synthetic machine profiles use it to exercise the code paths
// around the interpreter without loading one.
type Scripted struct {
	mu      sync.Mutex
	methods map[string]MethodFunc
	devices []PCIAddress
	calls   []string

	// PrepareErr, when set, fails every PrepareSleepState call.
	PrepareErr error
	// OffResult is what EnterSleepState(SleepStateOff) returns. The zero
	// value models well-behaved hardware: the machine goes away, reported
	// as ErrSystemOff.
	OffResult error
	offSet    bool
}

// NewScripted returns an empty scripted evaluator.
func NewScripted() *Scripted {
	return &Scripted{methods: make(map[string]MethodFunc)}
}

// Define installs a method at a namespace path.
func (s *Scripted) Define(path string, fn MethodFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[path] = fn
}

// AddDevice declares a PCI function in the namespace.
func (s *Scripted) AddDevice(addr PCIAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, addr)
}

// SetOffResult overrides the result of EnterSleepState(SleepStateOff).
// Passing nil models firmware that claims success but leaves the machine
// running.
func (s *Scripted) SetOffResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OffResult = err
	s.offSet = true
}

// Calls returns the evaluation log in order.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// MethodExists implements Evaluator.
func (s *Scripted) MethodExists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.methods[path]
	return ok
}

// EvaluateMethod implements Evaluator.
func (s *Scripted) EvaluateMethod(path string, args ...uint64) (uint64, error) {
	s.mu.Lock()
	fn, ok := s.methods[path]
	s.calls = append(s.calls, path)
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("interp: no method %q", path)
	}
	return fn(args...)
}

// DeviceAddresses implements Evaluator.
func (s *Scripted) DeviceAddresses() ([]PCIAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PCIAddress(nil), s.devices...), nil
}

// PrepareSleepState implements Evaluator.
func (s *Scripted) PrepareSleepState(state uint8) error {
	s.mu.Lock()
	s.calls = append(s.calls, fmt.Sprintf("prepare-sleep(%d)", state))
	err := s.PrepareErr
	s.mu.Unlock()
	return err
}

// EnterSleepState implements Evaluator.
func (s *Scripted) EnterSleepState(state uint8) error {
	s.mu.Lock()
	s.calls = append(s.calls, fmt.Sprintf("enter-sleep(%d)", state))
	result, explicit := s.OffResult, s.offSet
	s.mu.Unlock()
	if state == SleepStateOff && !explicit {
		return ErrSystemOff
	}
	return result
}

var _ Evaluator = (*Scripted)(nil)
