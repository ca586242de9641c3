package pcibus

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/ferrite-os/ferrite/internal/interp"
)

// Standard configuration header offsets.
const (
	offVendorID   = 0x00
	offDeviceID   = 0x02
	offCommand    = 0x04
	offStatus     = 0x06
	offRevision   = 0x08
	offProgIF     = 0x09
	offSubClass   = 0x0A
	offClass      = 0x0B
	offHeaderType = 0x0E
	offBAR0       = 0x10
	offSecondary  = 0x19
	offCapPtr     = 0x34

	// Status register bit 4: the function has a capability list rooted
	// at offCapPtr.
	statusCapList = 1 << 4

	headerTypeBridge  = 0x01
	headerMultiFunc   = 0x80
	invalidVendor     = 0xFFFF
	barCountDevice    = 6
	barCountBridge    = 2
	classBridge       = 0x06
	subClassPCIBridge = 0x04
)

// Capability list IDs assigned by the PCI SIG.
const (
	CapPowerManagement = 0x01
	CapVPD             = 0x03
	CapMSI             = 0x05
	CapVendorSpecific  = 0x09
	CapPCIExpress      = 0x10
	CapMSIX            = 0x11
	CapSATA            = 0x12
	CapAdvancedFeature = 0x13
)

// Capability is one entry of a function's capability list.
type Capability struct {
	ID     uint8
	Offset uint8
}

// BAR is one decoded base address register.
type BAR struct {
	Index    int
	Address  uint64
	IsIO     bool
	Is64Bit  bool
	Prefetch bool
}

// Device is one discovered PCI function.
type Device struct {
	Address interp.PCIAddress

	VendorID   uint16
	DeviceID   uint16
	ClassCode  uint8
	SubClass   uint8
	ProgIF     uint8
	RevisionID uint8
	HeaderType uint8

	BARs         []BAR
	Capabilities []Capability

	// Bridge fields, valid when the function is a PCI-to-PCI bridge.
	IsBridge     bool
	SecondaryBus uint8

	// InNamespace is set by CrossReference when the firmware namespace
	// declares this function.
	InNamespace bool
}

func (d Device) String() string {
	return fmt.Sprintf("%s %04x:%04x %s", d.Address, d.VendorID, d.DeviceID,
		ClassName(d.ClassCode, d.SubClass))
}

// HasCapability reports whether the function advertises the capability ID.
func (d Device) HasCapability(id uint8) bool {
	for _, c := range d.Capabilities {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Scanner walks configuration space and records every function it finds.
type Scanner struct {
	cfg Access
	log *slog.Logger

	// Progress, when set, is called after each (bus, device) slot probed
	// on the root bus walk. Used for interactive display.
	Progress func(done, total int)
}

// NewScanner builds a scanner over a configuration accessor.
func NewScanner(cfg Access, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{cfg: cfg, log: log}
}

// Enumerate walks bus 0 and recursively every bus behind a bridge, and
// returns the discovered functions sorted by address. A slot whose
// function 0 reports no vendor is empty and its other functions are not
// probed; a non-bridge function contributes its decoded BARs.
func (s *Scanner) Enumerate() ([]Device, error) {
	seen := make(map[uint8]bool)
	var devices []Device
	if err := s.scanBus(0, seen, &devices); err != nil {
		return nil, err
	}
	sort.Slice(devices, func(i, j int) bool {
		a, b := devices[i].Address, devices[j].Address
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Function < b.Function
	})
	return devices, nil
}

func (s *Scanner) scanBus(bus uint8, seen map[uint8]bool, out *[]Device) error {
	if seen[bus] {
		// A misprogrammed bridge pointing back at a scanned bus would
		// otherwise recurse forever.
		s.log.Warn("bridge loop detected", "bus", bus)
		return nil
	}
	seen[bus] = true

	for dev := uint8(0); dev < 32; dev++ {
		if err := s.scanSlot(bus, dev, seen, out); err != nil {
			return err
		}
		if bus == 0 && s.Progress != nil {
			s.Progress(int(dev)+1, 32)
		}
	}
	return nil
}

func (s *Scanner) scanSlot(bus, dev uint8, seen map[uint8]bool, out *[]Device) error {
	addr := interp.PCIAddress{Bus: bus, Device: dev}
	vendor, err := s.cfg.ReadConfig(addr, offVendorID, 2)
	if err != nil {
		return fmt.Errorf("pcibus: probe %s: %w", addr, err)
	}
	if vendor == invalidVendor {
		return nil
	}

	header, err := s.cfg.ReadConfig(addr, offHeaderType, 1)
	if err != nil {
		return err
	}
	functions := uint8(1)
	if header&headerMultiFunc != 0 {
		functions = 8
	}

	for fn := uint8(0); fn < functions; fn++ {
		addr.Function = fn
		if fn > 0 {
			vendor, err = s.cfg.ReadConfig(addr, offVendorID, 2)
			if err != nil {
				return err
			}
			if vendor == invalidVendor {
				continue
			}
		}
		device, err := s.readDevice(addr)
		if err != nil {
			return err
		}
		*out = append(*out, device)
		s.log.Debug("found device", "address", addr.String(),
			"vendor", fmt.Sprintf("%04x", device.VendorID),
			"device", fmt.Sprintf("%04x", device.DeviceID),
			"class", ClassName(device.ClassCode, device.SubClass))

		if device.IsBridge {
			if err := s.scanBus(device.SecondaryBus, seen, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scanner) readDevice(addr interp.PCIAddress) (Device, error) {
	read := func(offset uint16, width int) uint64 {
		value, err := s.cfg.ReadConfig(addr, offset, width)
		if err != nil {
			value = 0
		}
		return value
	}

	device := Device{
		Address:    addr,
		VendorID:   uint16(read(offVendorID, 2)),
		DeviceID:   uint16(read(offDeviceID, 2)),
		RevisionID: uint8(read(offRevision, 1)),
		ProgIF:     uint8(read(offProgIF, 1)),
		SubClass:   uint8(read(offSubClass, 1)),
		ClassCode:  uint8(read(offClass, 1)),
		HeaderType: uint8(read(offHeaderType, 1)),
	}

	headerLayout := device.HeaderType &^ headerMultiFunc
	if headerLayout == headerTypeBridge {
		device.IsBridge = true
		device.SecondaryBus = uint8(read(offSecondary, 1))
		device.BARs = s.readBARs(addr, barCountBridge)
	} else {
		device.BARs = s.readBARs(addr, barCountDevice)
	}
	device.Capabilities = s.readCapabilities(addr)
	return device, nil
}

// readCapabilities walks the capability list when the status register
// advertises one. The next pointers come from the device, so the walk
// refuses to revisit an offset rather than trust the chain to terminate.
func (s *Scanner) readCapabilities(addr interp.PCIAddress) []Capability {
	status, err := s.cfg.ReadConfig(addr, offStatus, 2)
	if err != nil || status&statusCapList == 0 {
		return nil
	}
	ptr, err := s.cfg.ReadConfig(addr, offCapPtr, 1)
	if err != nil {
		return nil
	}

	var caps []Capability
	visited := make(map[uint8]bool)
	// The bottom two bits of every pointer are reserved.
	for offset := uint8(ptr) &^ 0x3; offset != 0; {
		if visited[offset] {
			s.log.Warn("capability list loop", "address", addr.String(),
				"offset", fmt.Sprintf("%#x", offset))
			break
		}
		visited[offset] = true

		reg, err := s.cfg.ReadConfig(addr, uint16(offset), 2)
		if err != nil {
			break
		}
		if id := uint8(reg); id != 0 {
			caps = append(caps, Capability{ID: id, Offset: offset})
		}
		offset = uint8(reg>>8) &^ 0x3
	}
	return caps
}

// readBARs decodes the base address registers without sizing them: no
// writes happen during enumeration, a device with live firmware drivers
// must not see its BARs toggled.
func (s *Scanner) readBARs(addr interp.PCIAddress, count int) []BAR {
	var bars []BAR
	for i := 0; i < count; i++ {
		offset := uint16(offBAR0 + 4*i)
		raw, err := s.cfg.ReadConfig(addr, offset, 4)
		if err != nil || raw == 0 {
			continue
		}

		bar := BAR{Index: i}
		if raw&1 != 0 {
			bar.IsIO = true
			bar.Address = raw &^ 0x3
		} else {
			bar.Is64Bit = raw&0x6 == 0x4
			bar.Prefetch = raw&0x8 != 0
			bar.Address = raw &^ 0xF
			if bar.Is64Bit && i+1 < count {
				hi, err := s.cfg.ReadConfig(addr, offset+4, 4)
				if err == nil {
					bar.Address |= hi << 32
				}
				i++
			}
		}
		bars = append(bars, bar)
	}
	return bars
}

// CrossReference marks each device the namespace declares. Namespace
// addresses carry no bus number, so the match is device and function on
// the root bus; devices behind bridges are left unmarked and reported as
// firmware-invisible.
func CrossReference(devices []Device, eval interp.Evaluator, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	declared, err := eval.DeviceAddresses()
	if err != nil {
		return fmt.Errorf("pcibus: namespace walk: %w", err)
	}

	type key struct{ dev, fn uint8 }
	inNS := make(map[key]bool, len(declared))
	for _, addr := range declared {
		inNS[key{addr.Device, addr.Function}] = true
	}

	for i := range devices {
		d := &devices[i]
		if d.Address.Bus != 0 {
			continue
		}
		if inNS[key{d.Address.Device, d.Address.Function}] {
			d.InNamespace = true
		} else {
			log.Info("device absent from firmware namespace", "address", d.Address.String())
		}
	}
	return nil
}
