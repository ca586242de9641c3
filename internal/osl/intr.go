package osl

import (
	"fmt"

	"github.com/ferrite-os/ferrite/internal/intr"
)

// Dynamic vector pool handed out to interpreter interrupt requests. The
// range below firstDynamicVector belongs to CPU exceptions and the 8259
// remap window; the range above lastDynamicVector is reserved for fixed
// local APIC sources.
const (
	firstDynamicVector = 0x30
	lastDynamicVector  = 0xDF
)

type intrKey struct {
	gsi uint32
	tag string
}

// InstallInterruptHandler implements interp.Host. The one caller in
// practice is the interpreter routing its event interrupt, which by
// convention is level-triggered and active-low; that is the line mode
// programmed for GSIs the firmware topology does not describe.
func (s *Services) InstallInterruptHandler(gsi uint32, tag string, fn func()) error {
	if fn == nil {
		return fmt.Errorf("osl: nil handler for GSI %d", gsi)
	}
	key := intrKey{gsi: gsi, tag: tag}

	s.mu.Lock()
	if _, exists := s.intrs[key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("osl: GSI %d already has handler %q: %w", gsi, tag, intr.ErrVectorInUse)
	}
	s.mu.Unlock()

	var vector uint8
	var err error
	if s.router.LegacyOnly() && gsi < 16 {
		vector = intr.LegacyVector(uint8(gsi))
		err = s.router.RouteLegacyIRQ(uint8(gsi), vector, fn)
	} else {
		vector, err = s.allocateVector(gsi, fn)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.intrs[key] = vector
	s.mu.Unlock()
	s.log.Info("interrupt handler installed", "gsi", gsi, "tag", tag,
		"vector", fmt.Sprintf("%#x", vector))
	return nil
}

// allocateVector finds a free vector in the dynamic pool and routes the
// GSI to it.
func (s *Services) allocateVector(gsi uint32, fn func()) (uint8, error) {
	s.mu.Lock()
	start := s.nextVector
	s.mu.Unlock()

	vector := start
	for {
		if !s.router.Routed(vector) {
			if err := s.router.RouteGSI(gsi, vector, fn, true, true); err != nil {
				return 0, err
			}
			s.mu.Lock()
			s.nextVector = nextInPool(vector)
			s.mu.Unlock()
			return vector, nil
		}
		vector = nextInPool(vector)
		if vector == start {
			return 0, fmt.Errorf("osl: dynamic vector pool exhausted: %w", intr.ErrVectorInUse)
		}
	}
}

func nextInPool(vector uint8) uint8 {
	if vector >= lastDynamicVector {
		return firstDynamicVector
	}
	return vector + 1
}

// RemoveInterruptHandler implements interp.Host. The tag must match the
// one the handler was installed under.
func (s *Services) RemoveInterruptHandler(gsi uint32, tag string) error {
	key := intrKey{gsi: gsi, tag: tag}

	s.mu.Lock()
	vector, ok := s.intrs[key]
	if ok {
		delete(s.intrs, key)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("osl: GSI %d has no handler %q: %w", gsi, tag, intr.ErrNotRouted)
	}
	return s.router.Unroute(vector)
}
