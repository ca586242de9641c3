package osl

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/ferrite-os/ferrite/internal/interp"
)

// ErrWaitExhausted is returned when a semaphore wait times out. The
// semaphore is poisoned: the interpreter's view of the protected state is
// now suspect, so every later operation on it fails the same way.
var ErrWaitExhausted = errors.New("osl: wait exhausted")

type semaphore struct {
	count    uint32
	limit    uint32
	poisoned bool
}

// CreateSemaphore implements interp.Host.
func (s *Services) CreateSemaphore(limit, initial uint32) (interp.SemaphoreHandle, error) {
	if limit == 0 || initial > limit {
		return 0, fmt.Errorf("osl: semaphore limit %d initial %d: %w", limit, initial, ErrBadHandle)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.nextSema
	s.nextSema++
	s.semas[handle] = &semaphore{count: initial, limit: limit}
	return handle, nil
}

// DeleteSemaphore implements interp.Host.
func (s *Services) DeleteSemaphore(handle interp.SemaphoreHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.semas[handle]; !ok {
		return fmt.Errorf("osl: semaphore %d: %w", handle, ErrBadHandle)
	}
	delete(s.semas, handle)
	return nil
}

// WaitSemaphore implements interp.Host. The wait spins with yields rather
// than parking: it must work before the scheduler is fully up and from
// the shallow contexts the interpreter runs in.
func (s *Services) WaitSemaphore(handle interp.SemaphoreHandle, units uint32, timeout time.Duration) error {
	if units == 0 {
		return nil
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		s.mu.Lock()
		sem, ok := s.semas[handle]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("osl: semaphore %d: %w", handle, ErrBadHandle)
		}
		if sem.poisoned {
			s.mu.Unlock()
			return fmt.Errorf("osl: semaphore %d poisoned: %w", handle, ErrWaitExhausted)
		}
		if units > sem.limit {
			s.mu.Unlock()
			return fmt.Errorf("osl: wait for %d units on semaphore of %d: %w", units, sem.limit, ErrBadHandle)
		}
		if sem.count >= units {
			sem.count -= units
			s.mu.Unlock()
			return nil
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			sem.poisoned = true
			s.mu.Unlock()
			s.log.Warn("semaphore wait exhausted", "handle", uint32(handle), "units", units)
			return fmt.Errorf("osl: semaphore %d: %w", handle, ErrWaitExhausted)
		}
		s.mu.Unlock()
		runtime.Gosched()
	}
}

// SignalSemaphore implements interp.Host.
func (s *Services) SignalSemaphore(handle interp.SemaphoreHandle, units uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.semas[handle]
	if !ok {
		return fmt.Errorf("osl: semaphore %d: %w", handle, ErrBadHandle)
	}
	if sem.poisoned {
		return fmt.Errorf("osl: semaphore %d poisoned: %w", handle, ErrWaitExhausted)
	}
	if sem.count+units > sem.limit || sem.count+units < sem.count {
		return fmt.Errorf("osl: signal %d units past limit %d: %w", units, sem.limit, ErrBadHandle)
	}
	sem.count += units
	return nil
}

// spinLock is usable from interrupt context: acquisition never parks the
// goroutine, it spins.
type spinLock struct {
	held chan struct{}
}

// CreateLock implements interp.Host.
func (s *Services) CreateLock() (interp.LockHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.nextLock
	s.nextLock++
	lock := &spinLock{held: make(chan struct{}, 1)}
	s.locks[handle] = lock
	return handle, nil
}

// DeleteLock implements interp.Host.
func (s *Services) DeleteLock(handle interp.LockHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[handle]; !ok {
		return fmt.Errorf("osl: lock %d: %w", handle, ErrBadHandle)
	}
	delete(s.locks, handle)
	return nil
}

// AcquireLock implements interp.Host.
func (s *Services) AcquireLock(handle interp.LockHandle) error {
	s.mu.Lock()
	lock, ok := s.locks[handle]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("osl: lock %d: %w", handle, ErrBadHandle)
	}
	for {
		select {
		case lock.held <- struct{}{}:
			return nil
		default:
			runtime.Gosched()
		}
	}
}

// ReleaseLock implements interp.Host.
func (s *Services) ReleaseLock(handle interp.LockHandle) error {
	s.mu.Lock()
	lock, ok := s.locks[handle]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("osl: lock %d: %w", handle, ErrBadHandle)
	}
	select {
	case <-lock.held:
		return nil
	default:
		return fmt.Errorf("osl: lock %d released while free: %w", handle, ErrBadHandle)
	}
}
