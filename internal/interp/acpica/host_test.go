//go:build linux || darwin

package acpica

import (
	"errors"
	"testing"
	"time"

	"github.com/ferrite-os/ferrite/internal/interp"
)

// recordingHost is a minimal Host that records what crossed the adapter.
type recordingHost struct {
	failMap bool

	mappings map[interp.MappingHandle][2]uint64
	nextMap  interp.MappingHandle

	portWrites map[uint16]uint32
	pciReads   []string

	intrs map[uint32]string

	semWaits []time.Duration

	messages []string
}

func newRecordingHost() *recordingHost {
	return &recordingHost{
		nextMap:    1,
		mappings:   make(map[interp.MappingHandle][2]uint64),
		portWrites: make(map[uint16]uint32),
		intrs:      make(map[uint32]string),
	}
}

func (h *recordingHost) MapMemory(phys, length uint64) (interp.MappingHandle, error) {
	if h.failMap {
		return 0, errors.New("refused")
	}
	handle := h.nextMap
	h.nextMap++
	h.mappings[handle] = [2]uint64{phys, length}
	return handle, nil
}

func (h *recordingHost) UnmapMemory(handle interp.MappingHandle) error {
	if _, ok := h.mappings[handle]; !ok {
		return errors.New("unknown handle")
	}
	delete(h.mappings, handle)
	return nil
}

func (h *recordingHost) ReadMapped(handle interp.MappingHandle, offset uint64, width int) (uint64, error) {
	if _, ok := h.mappings[handle]; !ok {
		return 0, errors.New("unknown handle")
	}
	return 0x11, nil
}

func (h *recordingHost) WriteMapped(handle interp.MappingHandle, offset, value uint64, width int) error {
	return nil
}

func (h *recordingHost) ReadPort(port uint16, width int) (uint32, error) {
	return uint32(port) | uint32(width)<<16, nil
}

func (h *recordingHost) WritePort(port uint16, value uint32, width int) error {
	h.portWrites[port] = value
	return nil
}

func (h *recordingHost) ReadPCIConfig(addr interp.PCIAddress, offset uint16, width int) (uint64, error) {
	h.pciReads = append(h.pciReads, addr.String())
	return 0x8086, nil
}

func (h *recordingHost) WritePCIConfig(addr interp.PCIAddress, offset uint16, value uint64, width int) error {
	return nil
}

func (h *recordingHost) InstallInterruptHandler(gsi uint32, tag string, fn func()) error {
	if _, ok := h.intrs[gsi]; ok {
		return errors.New("taken")
	}
	h.intrs[gsi] = tag
	return nil
}

func (h *recordingHost) RemoveInterruptHandler(gsi uint32, tag string) error {
	if h.intrs[gsi] != tag {
		return errors.New("not installed")
	}
	delete(h.intrs, gsi)
	return nil
}

func (h *recordingHost) CreateSemaphore(limit, initial uint32) (interp.SemaphoreHandle, error) {
	return 7, nil
}

func (h *recordingHost) DeleteSemaphore(interp.SemaphoreHandle) error { return nil }

func (h *recordingHost) WaitSemaphore(handle interp.SemaphoreHandle, units uint32, timeout time.Duration) error {
	h.semWaits = append(h.semWaits, timeout)
	return nil
}

func (h *recordingHost) SignalSemaphore(interp.SemaphoreHandle, uint32) error { return nil }

func (h *recordingHost) CreateLock() (interp.LockHandle, error) { return 3, nil }

func (h *recordingHost) DeleteLock(interp.LockHandle) error { return nil }

func (h *recordingHost) AcquireLock(interp.LockHandle) error { return nil }

func (h *recordingHost) ReleaseLock(interp.LockHandle) error { return nil }

func (h *recordingHost) Allocate(size, align uint64) (uintptr, error) { return 1, nil }

func (h *recordingHost) Free(handle uintptr) error { return nil }

func (h *recordingHost) Stall(time.Duration) {}
func (h *recordingHost) Sleep(time.Duration) {}

func (h *recordingHost) Printf(format string, args ...any) {
	h.messages = append(h.messages, args[0].(string))
}

var _ interp.Host = (*recordingHost)(nil)

func TestAdapterMapMemory(t *testing.T) {
	host := newRecordingHost()
	a := &hostAdapter{host: host}

	var handle uint32
	if status := a.mapMemory(0xE0000, 0x1000, &handle); status != aeOK {
		t.Fatalf("status %#x", status)
	}
	if handle == 0 {
		t.Fatal("zero handle")
	}
	if got := host.mappings[interp.MappingHandle(handle)]; got != [2]uint64{0xE0000, 0x1000} {
		t.Errorf("mapping = %#x", got)
	}

	if status := a.unmapMemory(handle); status != aeOK {
		t.Errorf("unmap status %#x", status)
	}
	if status := a.unmapMemory(handle); status != aeError {
		t.Errorf("double unmap status %#x, want failure", status)
	}

	host.failMap = true
	if status := a.mapMemory(0, 0x10, &handle); status != aeError {
		t.Errorf("refused map status %#x, want failure", status)
	}
}

func TestAdapterPortAccess(t *testing.T) {
	host := newRecordingHost()
	a := &hostAdapter{host: host}

	var value uint32
	if status := a.readPort(0xCF8, 4, &value); status != aeOK {
		t.Fatalf("status %#x", status)
	}
	if value != 0xCF8|4<<16 {
		t.Errorf("port and width did not pass through: %#x", value)
	}

	if status := a.writePort(0xB2, 0xA0, 1); status != aeOK {
		t.Fatalf("status %#x", status)
	}
	if host.portWrites[0xB2] != 0xA0 {
		t.Errorf("write = %#x", host.portWrites[0xB2])
	}
}

func TestAdapterPCIAddressFields(t *testing.T) {
	host := newRecordingHost()
	a := &hostAdapter{host: host}

	var value uint64
	if status := a.readPCIConfig(0, 0, 3, 1, 0x10, 4, &value); status != aeOK {
		t.Fatalf("status %#x", status)
	}
	if value != 0x8086 {
		t.Errorf("value = %#x", value)
	}
	if len(host.pciReads) != 1 || host.pciReads[0] != "0000:00:03.1" {
		t.Errorf("address seen = %v", host.pciReads)
	}
}

func TestAdapterSemaphoreTimeouts(t *testing.T) {
	host := newRecordingHost()
	a := &hostAdapter{host: host}

	if status := a.waitSemaphore(7, 1, 50); status != aeOK {
		t.Fatalf("status %#x", status)
	}
	if status := a.waitSemaphore(7, 1, semaphoreWaitForever); status != aeOK {
		t.Fatalf("status %#x", status)
	}
	if len(host.semWaits) != 2 {
		t.Fatalf("waits = %v", host.semWaits)
	}
	if host.semWaits[0] != 50*time.Millisecond {
		t.Errorf("bounded wait = %v", host.semWaits[0])
	}
	if host.semWaits[1] >= 0 {
		t.Errorf("forever wait = %v, want negative", host.semWaits[1])
	}
}

func TestAdapterInterruptClaims(t *testing.T) {
	host := newRecordingHost()
	a := &hostAdapter{host: host}

	if status := a.installInterrupt(9, 0, 0); status != aeOK {
		t.Fatalf("status %#x", status)
	}
	if host.intrs[9] != interruptTag {
		t.Errorf("tag = %q", host.intrs[9])
	}
	if status := a.installInterrupt(9, 0, 0); status != aeError {
		t.Errorf("duplicate install status %#x, want failure", status)
	}
	if status := a.removeInterrupt(9, 0); status != aeOK {
		t.Errorf("remove status %#x", status)
	}
	if status := a.removeInterrupt(9, 0); status != aeError {
		t.Errorf("double remove status %#x, want failure", status)
	}
}

func TestAdapterPrintf(t *testing.T) {
	host := newRecordingHost()
	a := &hostAdapter{host: host}

	msg := append([]byte("namespace loaded\n"), 0)
	if status := a.printf(&msg[0]); status != aeOK {
		t.Fatalf("status %#x", status)
	}
	if len(host.messages) != 1 || host.messages[0] != "namespace loaded\n" {
		t.Errorf("messages = %q", host.messages)
	}
	if a.printf(nil) != aeOK {
		t.Error("nil message not tolerated")
	}
}
