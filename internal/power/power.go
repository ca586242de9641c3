// Package power drives platform power transitions through the firmware
// interpreter. The manager is a one-way state machine: a machine that
// failed a transition stays failed, nothing retries a half-executed
// firmware handoff.
package power

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ferrite-os/ferrite/internal/firmware"
	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/interp"
)

var (
	// ErrDidntTurnOff is returned when the firmware transition reports
	// success but execution continues: the platform is still up and its
	// power state is now unknown.
	ErrDidntTurnOff = errors.New("power: platform did not turn off")
	// ErrBadState is returned for a transition requested outside Running.
	ErrBadState = errors.New("power: transition from non-running state")
)

// State is the manager's position in the transition machine.
type State int

const (
	// Running is the initial state; the only one transitions start from.
	Running State = iota
	// PreparingTransition covers the firmware's pre-transition methods.
	PreparingTransition
	// FirmwareTransition covers the committed handoff; on success the
	// machine is gone before the state can change again.
	FirmwareTransition
	// Off is terminal: the (simulated) platform reported power-off.
	Off
	// Failed is terminal: a transition broke and the hardware state is
	// not trustworthy enough to retry.
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case PreparingTransition:
		return "preparing-transition"
	case FirmwareTransition:
		return "firmware-transition"
	case Off:
		return "off"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Manager owns the platform power state.
type Manager struct {
	eval interp.Evaluator
	log  *slog.Logger

	// reset, when configured from the fixed table, enables Reset.
	ports    hwio.PortIO
	mem      hwio.PhysicalMemory
	resetReg firmware.GenericAddress
	resetVal uint8
	hasReset bool

	mu    sync.Mutex
	state State
}

// Config assembles a Manager.
type Config struct {
	Evaluator interp.Evaluator
	Log       *slog.Logger

	// FADT, when present, supplies the reset register.
	FADT   *firmware.FADT
	Ports  hwio.PortIO
	Memory hwio.PhysicalMemory
}

// NewManager builds a manager in the Running state.
func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	m := &Manager{eval: cfg.Evaluator, log: cfg.Log, ports: cfg.Ports, mem: cfg.Memory}
	if cfg.FADT != nil && cfg.FADT.ResetRegister.Address != 0 {
		m.resetReg = cfg.FADT.ResetRegister
		m.resetVal = cfg.FADT.ResetValue
		m.hasReset = true
	}
	return m
}

// State reports the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PowerOff runs the soft-off transition. It returns nil only when the
// platform reported power-off; every other outcome leaves the manager in
// Failed. There is no retry path: the preparation methods have side
// effects that must not run twice.
func (m *Manager) PowerOff() error {
	m.mu.Lock()
	if m.state != Running {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("power: off requested in state %s: %w", state, ErrBadState)
	}
	m.state = PreparingTransition
	m.mu.Unlock()

	m.log.Info("preparing power-off")
	if err := m.eval.PrepareSleepState(interp.SleepStateOff); err != nil {
		m.fail("prepare failed", err)
		return fmt.Errorf("power: prepare transition: %w", err)
	}

	m.mu.Lock()
	m.state = FirmwareTransition
	m.mu.Unlock()

	m.log.Info("entering firmware power-off")
	err := m.eval.EnterSleepState(interp.SleepStateOff)
	switch {
	case errors.Is(err, interp.ErrSystemOff):
		m.mu.Lock()
		m.state = Off
		m.mu.Unlock()
		m.log.Info("platform reported power-off")
		return nil
	case err == nil:
		// The call returning at all means execution continued past the
		// point of no return.
		m.fail("transition returned", ErrDidntTurnOff)
		return fmt.Errorf("power: %w", ErrDidntTurnOff)
	default:
		m.fail("transition failed", err)
		return fmt.Errorf("power: firmware transition: %w", err)
	}
}

// Reset writes the fixed-table reset register. Unlike PowerOff it has no
// preparation phase; it is the last resort after a failed transition.
func (m *Manager) Reset() error {
	if !m.hasReset {
		return errors.New("power: no reset register")
	}
	m.log.Info("writing reset register", "space", m.resetReg.SpaceID,
		"address", fmt.Sprintf("%#x", m.resetReg.Address))

	switch m.resetReg.SpaceID {
	case 0x01: // port space
		if m.ports == nil {
			return errors.New("power: reset register needs port access")
		}
		return hwio.OutUint8(m.ports, uint16(m.resetReg.Address), m.resetVal)
	case 0x00: // memory space
		if m.mem == nil {
			return errors.New("power: reset register needs memory access")
		}
		return m.mem.WriteAt([]byte{m.resetVal}, m.resetReg.Address)
	default:
		return fmt.Errorf("power: reset register in unsupported space %#x", m.resetReg.SpaceID)
	}
}

func (m *Manager) fail(msg string, err error) {
	m.mu.Lock()
	m.state = Failed
	m.mu.Unlock()
	m.log.Error("power transition failed", "reason", msg, "err", err)
}
