// Package osl is the services layer handed to the ACPI interpreter: the
// kernel-side implementation of every callback the interpreter may make.
// The interpreter is untrusted foreign code, so each entry point validates
// its arguments fully before touching hardware, and nothing it receives is
// a raw kernel pointer.
package osl

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/interp"
	"github.com/ferrite-os/ferrite/internal/intr"
	"github.com/ferrite-os/ferrite/internal/pcibus"
)

var (
	// ErrMapFailed is returned when a mapping request overlaps a reserved
	// range or cannot be represented.
	ErrMapFailed = errors.New("osl: mapping failed")
	// ErrBadHandle is returned for an unknown or already released handle.
	ErrBadHandle = errors.New("osl: bad handle")
)

// Config assembles the services layer from the capabilities it mediates.
type Config struct {
	Memory hwio.PhysicalMemory
	Ports  hwio.PortIO
	PCI    pcibus.Access
	Router *intr.Router
	Log    *slog.Logger

	// Heap is the kernel heap collaborator backing interpreter scratch
	// buffers. A private accounting allocator serves when unset.
	Heap hwio.Allocator

	// Reserved lists physical ranges the interpreter may never map:
	// interrupt controller windows, the kernel image, anything the
	// kernel owns.
	Reserved []hwio.Region
}

type mapping struct {
	phys   uint64
	length uint64
}

// Services implements interp.Host. One instance serves one interpreter.
type Services struct {
	mem    hwio.PhysicalMemory
	ports  hwio.PortIO
	pci    pcibus.Access
	heap   hwio.Allocator
	router *intr.Router
	log    *slog.Logger

	reserved []hwio.Region

	mu         sync.Mutex
	mappings   map[interp.MappingHandle]mapping
	nextHandle interp.MappingHandle

	semas      map[interp.SemaphoreHandle]*semaphore
	nextSema   interp.SemaphoreHandle
	locks      map[interp.LockHandle]*spinLock
	nextLock   interp.LockHandle
	intrs      map[intrKey]uint8
	nextVector uint8
}

// New builds the services layer.
func New(cfg Config) *Services {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Heap == nil {
		cfg.Heap = hwio.NewSimAllocator()
	}
	reserved := append([]hwio.Region(nil), cfg.Reserved...)
	sort.Slice(reserved, func(i, j int) bool { return reserved[i].Address < reserved[j].Address })
	return &Services{
		mem:      cfg.Memory,
		ports:    cfg.Ports,
		pci:      cfg.PCI,
		heap:     cfg.Heap,
		router:   cfg.Router,
		log:      cfg.Log,
		reserved: reserved,
		mappings: make(map[interp.MappingHandle]mapping),
		semas:    make(map[interp.SemaphoreHandle]*semaphore),
		locks:    make(map[interp.LockHandle]*spinLock),
		intrs:    make(map[intrKey]uint8),
		// Handles start above zero so a zeroed foreign struct never
		// aliases a live one.
		nextHandle: 1,
		nextSema:   1,
		nextLock:   1,
		nextVector: firstDynamicVector,
	}
}

// MapMemory implements interp.Host.
func (s *Services) MapMemory(phys, length uint64) (interp.MappingHandle, error) {
	if length == 0 || phys+length < phys {
		return 0, fmt.Errorf("osl: map %#x+%#x: %w", phys, length, ErrMapFailed)
	}
	for _, r := range s.reserved {
		if phys < r.Address+r.Size && r.Address < phys+length {
			return 0, fmt.Errorf("osl: map %#x+%#x overlaps reserved %#x+%#x: %w",
				phys, length, r.Address, r.Size, ErrMapFailed)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.nextHandle
	s.nextHandle++
	s.mappings[handle] = mapping{phys: phys, length: length}
	s.log.Debug("mapped for interpreter", "handle", uint32(handle),
		"phys", fmt.Sprintf("%#x", phys), "length", length)
	return handle, nil
}

// UnmapMemory implements interp.Host.
func (s *Services) UnmapMemory(handle interp.MappingHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[handle]; !ok {
		return fmt.Errorf("osl: unmap handle %d: %w", handle, ErrBadHandle)
	}
	delete(s.mappings, handle)
	return nil
}

func (s *Services) lookupMapping(handle interp.MappingHandle, offset uint64, width int) (uint64, error) {
	switch width {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("osl: mapped access width %d: %w", width, ErrBadHandle)
	}
	s.mu.Lock()
	m, ok := s.mappings[handle]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("osl: handle %d: %w", handle, ErrBadHandle)
	}
	if offset+uint64(width) > m.length || offset+uint64(width) < offset {
		return 0, fmt.Errorf("osl: offset %#x width %d outside mapping of %#x bytes: %w",
			offset, width, m.length, ErrBadHandle)
	}
	return m.phys + offset, nil
}

// ReadMapped implements interp.Host.
func (s *Services) ReadMapped(handle interp.MappingHandle, offset uint64, width int) (uint64, error) {
	addr, err := s.lookupMapping(handle, offset, width)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, width)
	if err := s.mem.ReadAt(buf, addr); err != nil {
		return 0, err
	}
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

// WriteMapped implements interp.Host.
func (s *Services) WriteMapped(handle interp.MappingHandle, offset, value uint64, width int) error {
	addr, err := s.lookupMapping(handle, offset, width)
	if err != nil {
		return err
	}
	buf := make([]byte, width)
	for i := range buf {
		buf[i] = byte(value >> (8 * i))
	}
	return s.mem.WriteAt(buf, addr)
}

// ReadPort implements interp.Host.
func (s *Services) ReadPort(port uint16, width int) (uint32, error) {
	if err := checkPortWidth(width); err != nil {
		return 0, err
	}
	buf := make([]byte, width)
	if err := s.ports.In(port, buf); err != nil {
		return 0, err
	}
	var v uint32
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint32(buf[i])
	}
	return v, nil
}

// WritePort implements interp.Host.
func (s *Services) WritePort(port uint16, value uint32, width int) error {
	if err := checkPortWidth(width); err != nil {
		return err
	}
	buf := make([]byte, width)
	for i := range buf {
		buf[i] = byte(value >> (8 * i))
	}
	return s.ports.Out(port, buf)
}

// ReadPCIConfig implements interp.Host.
func (s *Services) ReadPCIConfig(addr interp.PCIAddress, offset uint16, width int) (uint64, error) {
	if width == 8 {
		// The interpreter may issue qword config reads; configuration
		// space only supports dword cycles, so split the access.
		lo, err := s.pci.ReadConfig(addr, offset, 4)
		if err != nil {
			return 0, err
		}
		hi, err := s.pci.ReadConfig(addr, offset+4, 4)
		if err != nil {
			return 0, err
		}
		return hi<<32 | lo, nil
	}
	return s.pci.ReadConfig(addr, offset, width)
}

// WritePCIConfig implements interp.Host.
func (s *Services) WritePCIConfig(addr interp.PCIAddress, offset uint16, value uint64, width int) error {
	if width == 8 {
		if err := s.pci.WriteConfig(addr, offset, value&0xFFFFFFFF, 4); err != nil {
			return err
		}
		return s.pci.WriteConfig(addr, offset+4, value>>32, 4)
	}
	return s.pci.WriteConfig(addr, offset, value, width)
}

// Allocate implements interp.Host: a scratch buffer from the kernel heap
// collaborator, identified by an opaque handle. Distinct from physical
// mappings, which have their own handle space.
func (s *Services) Allocate(size, align uint64) (uintptr, error) {
	handle, err := s.heap.Allocate(size, align)
	if err != nil {
		return 0, fmt.Errorf("osl: allocate %d bytes: %w", size, err)
	}
	return handle, nil
}

// Free implements interp.Host. Releasing an unknown or already freed
// buffer is a contract violation.
func (s *Services) Free(handle uintptr) error {
	if err := s.heap.Free(handle); err != nil {
		return fmt.Errorf("osl: free %#x: %w", handle, ErrBadHandle)
	}
	return nil
}

func checkPortWidth(width int) error {
	switch width {
	case 1, 2, 4:
		return nil
	default:
		return fmt.Errorf("osl: port access width %d: %w", width, pcibus.ErrInvalidAccess)
	}
}

// Stall implements interp.Host: a busy wait that does not yield. The
// interpreter uses it for sub-millisecond hardware settle times.
func (s *Services) Stall(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}

// Sleep implements interp.Host.
func (s *Services) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Printf implements interp.Host. Interpreter diagnostics land in the
// kernel log, tagged, one line per call.
func (s *Services) Printf(format string, args ...any) {
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	if msg == "" {
		return
	}
	s.log.Info(msg, "source", "interpreter")
}

var _ interp.Host = (*Services)(nil)
