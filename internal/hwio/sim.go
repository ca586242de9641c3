package hwio

import (
	"fmt"
	"sort"
	"sync"
)

// PortHandler handles reads and writes to individual I/O ports.
type PortHandler interface {
	ReadPort(port uint16, data []byte) error
	WritePort(port uint16, data []byte) error
}

// RegionHandler handles reads and writes to a memory-mapped register window.
type RegionHandler interface {
	ReadRegion(addr uint64, data []byte) error
	WriteRegion(addr uint64, data []byte) error
}

// Region describes a physical address range.
type Region struct {
	Address uint64
	Size    uint64
}

type regionBinding struct {
	region  Region
	handler RegionHandler
}

type ramRegion struct {
	base uint64
	data []byte
}

// SimBus is an in-memory physical address space and port map used by tests
// and by synthetic machine profiles. RAM regions back firmware tables;
// register windows dispatch to handlers the way a bus decoder would.
type SimBus struct {
	mu      sync.Mutex
	ram     []ramRegion
	regions []regionBinding
	ports   map[uint16]PortHandler
}

// NewSimBus returns an empty simulated bus.
func NewSimBus() *SimBus {
	return &SimBus{ports: make(map[uint16]PortHandler)}
}

// AddRAM backs [base, base+size) with zeroed memory.
func (b *SimBus) AddRAM(base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("hwio: RAM region at %#x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("hwio: RAM region at %#x overflows", base)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.ram {
		if regionsOverlap(base, size, r.base, uint64(len(r.data))) {
			return fmt.Errorf("hwio: RAM region %#x-%#x overlaps existing region", base, base+size-1)
		}
	}
	b.ram = append(b.ram, ramRegion{base: base, data: make([]byte, size)})
	sort.Slice(b.ram, func(i, j int) bool { return b.ram[i].base < b.ram[j].base })
	return nil
}

// LoadBytes copies data into a previously added RAM region.
func (b *SimBus) LoadBytes(addr uint64, data []byte) error {
	return b.WriteAt(data, addr)
}

// MapRegion binds a register window to a handler.
func (b *SimBus) MapRegion(base, size uint64, handler RegionHandler) error {
	if handler == nil {
		return fmt.Errorf("hwio: region handler for %#x is nil", base)
	}
	if size == 0 || base+size < base {
		return fmt.Errorf("hwio: invalid region %#x size %#x", base, size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.regions {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf("hwio: region %#x-%#x overlaps existing region %#x-%#x",
				base, base+size-1, existing.region.Address, existing.region.Address+existing.region.Size-1)
		}
	}
	b.regions = append(b.regions, regionBinding{region: Region{Address: base, Size: size}, handler: handler})
	return nil
}

// MapPort binds a single I/O port to a handler.
func (b *SimBus) MapPort(port uint16, handler PortHandler) error {
	if handler == nil {
		return fmt.Errorf("hwio: port handler for %#04x is nil", port)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.ports[port]; exists {
		return fmt.Errorf("hwio: port %#04x already mapped", port)
	}
	b.ports[port] = handler
	return nil
}

// MapPorts binds a run of consecutive ports to one handler.
func (b *SimBus) MapPorts(first uint16, count int, handler PortHandler) error {
	for i := 0; i < count; i++ {
		if err := b.MapPort(first+uint16(i), handler); err != nil {
			return err
		}
	}
	return nil
}

// ReadAt implements PhysicalMemory.
func (b *SimBus) ReadAt(p []byte, addr uint64) error {
	if len(p) == 0 {
		return nil
	}
	end := addr + uint64(len(p))
	if end < addr {
		return ErrOutOfRange
	}

	b.mu.Lock()
	if binding := b.findRegion(addr, end); binding != nil {
		handler := binding.handler
		b.mu.Unlock()
		return handler.ReadRegion(addr, p)
	}
	defer b.mu.Unlock()
	for _, r := range b.ram {
		ramEnd := r.base + uint64(len(r.data))
		if addr >= r.base && end <= ramEnd {
			copy(p, r.data[addr-r.base:])
			return nil
		}
	}
	return fmt.Errorf("hwio: no backing for read at %#x: %w", addr, ErrOutOfRange)
}

// WriteAt implements PhysicalMemory.
func (b *SimBus) WriteAt(p []byte, addr uint64) error {
	if len(p) == 0 {
		return nil
	}
	end := addr + uint64(len(p))
	if end < addr {
		return ErrOutOfRange
	}

	b.mu.Lock()
	if binding := b.findRegion(addr, end); binding != nil {
		handler := binding.handler
		b.mu.Unlock()
		return handler.WriteRegion(addr, p)
	}
	defer b.mu.Unlock()
	for i := range b.ram {
		r := &b.ram[i]
		ramEnd := r.base + uint64(len(r.data))
		if addr >= r.base && end <= ramEnd {
			copy(r.data[addr-r.base:], p)
			return nil
		}
	}
	return fmt.Errorf("hwio: no backing for write at %#x: %w", addr, ErrOutOfRange)
}

// In implements PortIO.
func (b *SimBus) In(port uint16, data []byte) error {
	if err := checkWidth(len(data)); err != nil {
		return err
	}
	b.mu.Lock()
	handler, ok := b.ports[port]
	b.mu.Unlock()
	if !ok {
		// Reads from unclaimed ports float high, matching real ISA behavior.
		for i := range data {
			data[i] = 0xff
		}
		return nil
	}
	return handler.ReadPort(port, data)
}

// Out implements PortIO.
func (b *SimBus) Out(port uint16, data []byte) error {
	if err := checkWidth(len(data)); err != nil {
		return err
	}
	b.mu.Lock()
	handler, ok := b.ports[port]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return handler.WritePort(port, data)
}

func (b *SimBus) findRegion(addr, end uint64) *regionBinding {
	for i := range b.regions {
		binding := &b.regions[i]
		start := binding.region.Address
		if addr >= start && end <= start+binding.region.Size {
			return binding
		}
	}
	return nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

var (
	_ PhysicalMemory = (*SimBus)(nil)
	_ PortIO         = (*SimBus)(nil)
)

// SimAllocator models the kernel heap collaborator for tests and synthetic
// machines: handles are opaque, never zero, and never reused.
type SimAllocator struct {
	mu     sync.Mutex
	next   uintptr
	blocks map[uintptr]uint64
}

// NewSimAllocator returns an empty allocator.
func NewSimAllocator() *SimAllocator {
	return &SimAllocator{next: 1, blocks: make(map[uintptr]uint64)}
}

// Allocate implements Allocator. Alignment must be zero or a power of two.
func (a *SimAllocator) Allocate(size, align uint64) (uintptr, error) {
	if size == 0 || (align != 0 && align&(align-1) != 0) {
		return 0, fmt.Errorf("hwio: allocate %d bytes align %d", size, align)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	handle := a.next
	a.next++
	a.blocks[handle] = size
	return handle, nil
}

// Free implements Allocator.
func (a *SimAllocator) Free(handle uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blocks[handle]; !ok {
		return fmt.Errorf("hwio: free of unknown handle %#x", handle)
	}
	delete(a.blocks, handle)
	return nil
}

var _ Allocator = (*SimAllocator)(nil)
