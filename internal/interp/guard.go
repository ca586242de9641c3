package interp

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrGuardBusy is returned by TryAcquire when the interpreter is already
// entered.
var ErrGuardBusy = errors.New("interp: interpreter busy")

// Guard serializes entry into the interpreter. The interpreter holds global
// mutable state and is not reentrant, so every core-side call into it takes
// the guard first. TryAcquire exists for interrupt-context callers (the
// system control interrupt), which must not block: if the interpreter is
// already entered they defer the work instead.
type Guard struct {
	held atomic.Bool
}

// Acquire takes the guard, spinning until it is free. Safe only from
// contexts that may yield.
func (g *Guard) Acquire() {
	for !g.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryAcquire takes the guard without blocking.
func (g *Guard) TryAcquire() error {
	if !g.held.CompareAndSwap(false, true) {
		return ErrGuardBusy
	}
	return nil
}

// Release frees the guard. Releasing a free guard is a programming error
// and panics, like unlocking an unlocked mutex.
func (g *Guard) Release() {
	if !g.held.CompareAndSwap(true, false) {
		panic("interp: release of free guard")
	}
}
