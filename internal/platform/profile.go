package platform

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ferrite-os/ferrite/internal/firmware"
	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/interp"
	"github.com/ferrite-os/ferrite/internal/intr"
	"github.com/ferrite-os/ferrite/internal/pcibus"
)

// Profile describes a synthetic machine: its firmware tables, interrupt
// controllers and PCI fabric. Profiles are YAML files checked in next to
// the tool that consumes them, so a reported machine can be replayed on a
// developer box.
type Profile struct {
	Name string `yaml:"name"`

	LocalAPICAddr  uint32 `yaml:"local_apic_addr"`
	PCATCompatible bool   `yaml:"pcat_compatible"`

	// Tables controls where the synthetic firmware image is placed.
	TablesBase uint64 `yaml:"tables_base"`
	RSDPBase   uint64 `yaml:"rsdp_base"`

	CPUs      []ProfileCPU      `yaml:"cpus"`
	IOAPICs   []ProfileIOAPIC   `yaml:"ioapics"`
	Overrides []ProfileOverride `yaml:"overrides"`
	FADT      *ProfileFADT      `yaml:"fadt"`

	Devices   []ProfileDevice    `yaml:"devices"`
	Namespace []ProfileNamespace `yaml:"namespace"`
}

type ProfileCPU struct {
	ProcessorID uint8 `yaml:"processor_id"`
	APICID      uint8 `yaml:"apic_id"`
	Enabled     bool  `yaml:"enabled"`
}

type ProfileIOAPIC struct {
	ID      uint8  `yaml:"id"`
	Address uint32 `yaml:"address"`
	GSIBase uint32 `yaml:"gsi_base"`
	Pins    int    `yaml:"pins"`
}

type ProfileOverride struct {
	Bus      uint8  `yaml:"bus"`
	IRQ      uint8  `yaml:"irq"`
	GSI      uint32 `yaml:"gsi"`
	Polarity string `yaml:"polarity"`
	Trigger  string `yaml:"trigger"`
}

type ProfileFADT struct {
	SCIInterrupt     uint16 `yaml:"sci_interrupt"`
	SMICommand       uint32 `yaml:"smi_command"`
	ACPIEnable       uint8  `yaml:"acpi_enable"`
	PM1aEventBlock   uint32 `yaml:"pm1a_event_block"`
	PM1aControlBlock uint32 `yaml:"pm1a_control_block"`
	PMTimerBlock     uint32 `yaml:"pm_timer_block"`
}

type ProfileDevice struct {
	Bus      uint8  `yaml:"bus"`
	Device   uint8  `yaml:"device"`
	Function uint8  `yaml:"function"`
	VendorID uint16 `yaml:"vendor_id"`
	DeviceID uint16 `yaml:"device_id"`
	Class    uint8  `yaml:"class"`
	SubClass uint8  `yaml:"subclass"`
	BAR0     uint32 `yaml:"bar0"`

	// Capabilities lists PCI capability IDs the function advertises.
	Capabilities []uint8 `yaml:"capabilities"`

	// Bridge, when set, makes this function a bridge to SecondaryBus.
	Bridge       bool  `yaml:"bridge"`
	SecondaryBus uint8 `yaml:"secondary_bus"`
}

type ProfileNamespace struct {
	Device   uint8 `yaml:"device"`
	Function uint8 `yaml:"function"`
}

// LoadProfile reads a profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("platform: open profile: %w", err)
	}
	defer f.Close()
	return ReadProfile(f)
}

// ReadProfile decodes a profile from YAML.
func ReadProfile(r io.Reader) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("platform: decode profile: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) validate() error {
	if p.TablesBase == 0 {
		p.TablesBase = 0x100000
	}
	if p.RSDPBase == 0 {
		p.RSDPBase = 0xE0000
	}
	if p.LocalAPICAddr == 0 {
		p.LocalAPICAddr = 0xFEE00000
	}
	for _, ovr := range p.Overrides {
		if _, err := parsePolarity(ovr.Polarity); err != nil {
			return err
		}
		if _, err := parseTrigger(ovr.Trigger); err != nil {
			return err
		}
	}
	for _, dev := range p.Devices {
		if dev.Device >= 32 || dev.Function >= 8 {
			return fmt.Errorf("platform: profile device %02x:%02x.%x out of range",
				dev.Bus, dev.Device, dev.Function)
		}
	}
	return nil
}

func parsePolarity(s string) (firmware.Polarity, error) {
	switch s {
	case "", "conforms":
		return firmware.PolarityConforms, nil
	case "high":
		return firmware.PolarityHigh, nil
	case "low":
		return firmware.PolarityLow, nil
	}
	return 0, fmt.Errorf("platform: polarity %q", s)
}

func parseTrigger(s string) (firmware.TriggerMode, error) {
	switch s {
	case "", "conforms":
		return firmware.TriggerConforms, nil
	case "edge":
		return firmware.TriggerEdge, nil
	case "level":
		return firmware.TriggerLevel, nil
	}
	return 0, fmt.Errorf("platform: trigger %q", s)
}

// Machine is a built synthetic machine.
type Machine struct {
	Bus       *hwio.SimBus
	Fabric    *pcibus.SimFabric
	Evaluator *interp.Scripted
}

// Build realizes the profile: firmware image installed in simulated RAM,
// controller models and PCI fabric attached, namespace declarations
// loaded into a scripted evaluator.
func (p *Profile) Build() (*Machine, error) {
	bus := hwio.NewSimBus()

	cfg := firmware.BuildConfig{
		TablesBase:     p.TablesBase,
		RSDPBase:       p.RSDPBase,
		LocalAPICAddr:  p.LocalAPICAddr,
		PCATCompatible: p.PCATCompatible,
	}
	for _, cpu := range p.CPUs {
		cfg.CPUs = append(cfg.CPUs, firmware.CPUConfig(cpu))
	}
	for _, apic := range p.IOAPICs {
		cfg.IOAPICs = append(cfg.IOAPICs, firmware.IOAPICConfig{
			ID: apic.ID, Address: apic.Address, GSIBase: apic.GSIBase,
		})
	}
	for _, ovr := range p.Overrides {
		polarity, _ := parsePolarity(ovr.Polarity)
		trigger, _ := parseTrigger(ovr.Trigger)
		cfg.Overrides = append(cfg.Overrides, firmware.OverrideConfig{
			Bus: ovr.Bus, IRQ: ovr.IRQ, GSI: ovr.GSI,
			Polarity: polarity, Trigger: trigger,
		})
	}
	if p.FADT != nil {
		cfg.FADT = (*firmware.FADTConfig)(p.FADT)
	}

	img, err := firmware.BuildImage(cfg)
	if err != nil {
		return nil, err
	}
	if err := firmware.InstallImage(bus, img); err != nil {
		return nil, err
	}

	apicID := uint8(0)
	if len(p.CPUs) > 0 {
		apicID = p.CPUs[0].APICID
	}
	if err := intr.NewSimLocalAPIC(uint64(p.LocalAPICAddr), apicID).AttachTo(bus); err != nil {
		return nil, err
	}
	for _, apic := range p.IOAPICs {
		pins := apic.Pins
		if pins == 0 {
			pins = 24
		}
		if err := intr.NewSimIOAPIC(uint64(apic.Address), apic.ID, pins).AttachTo(bus); err != nil {
			return nil, err
		}
	}
	if err := intr.NewSimDualPIC().AttachTo(bus); err != nil {
		return nil, err
	}

	fabric := pcibus.NewSimFabric()
	if err := fabric.AttachTo(bus); err != nil {
		return nil, err
	}
	for _, dev := range p.Devices {
		addr := interp.PCIAddress{Bus: dev.Bus, Device: dev.Device, Function: dev.Function}
		if dev.Bridge {
			fabric.AddBridge(addr, dev.VendorID, dev.DeviceID, dev.SecondaryBus)
			continue
		}
		fabric.AddFunction(pcibus.SimFunctionConfig{
			Address: addr, VendorID: dev.VendorID, DeviceID: dev.DeviceID,
			ClassCode: dev.Class, SubClass: dev.SubClass, BAR0: dev.BAR0,
			Capabilities: dev.Capabilities,
		})
	}

	eval := interp.NewScripted()
	for _, ns := range p.Namespace {
		eval.AddDevice(interp.PCIAddress{Device: ns.Device, Function: ns.Function})
	}

	return &Machine{Bus: bus, Fabric: fabric, Evaluator: eval}, nil
}
