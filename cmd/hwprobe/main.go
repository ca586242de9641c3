// hwprobe inspects a machine the way the kernel's bring-up path does:
// locate the firmware tables, decode the interrupt topology, enumerate the
// PCI fabric and cross-reference it against the firmware namespace. It
// runs against a synthetic machine profile for development, or against
// /dev/mem and /dev/port on a Linux host for a live (read-only) probe.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/ferrite-os/ferrite/internal/hwio"
	"github.com/ferrite-os/ferrite/internal/interp"
	"github.com/ferrite-os/ferrite/internal/intr"
	"github.com/ferrite-os/ferrite/internal/osl"
	"github.com/ferrite-os/ferrite/internal/pcibus"
	"github.com/ferrite-os/ferrite/internal/platform"
	"github.com/ferrite-os/ferrite/internal/power"
	"github.com/ferrite-os/ferrite/internal/topology"
)

type styles struct {
	heading func(string) string
	good    func(string) string
	bad     func(string) string
	dim     func(string) string
}

func newStyles(color bool) styles {
	if !color {
		plain := func(s string) string { return s }
		return styles{heading: plain, good: plain, bad: plain, dim: plain}
	}
	return styles{
		heading: func(s string) string { return ansi.Style{}.Bold().Styled(s) },
		good:    func(s string) string { return ansi.Style{}.ForegroundColor(ansi.Green).Styled(s) },
		bad:     func(s string) string { return ansi.Style{}.ForegroundColor(ansi.Yellow).Styled(s) },
		dim:     func(s string) string { return ansi.Style{}.Faint().Styled(s) },
	}
}

func run() error {
	profilePath := flag.String("profile", "", "probe a synthetic machine described by a YAML profile")
	live := flag.Bool("live", false, "probe the running host through /dev/mem and /dev/port (Linux, root)")
	scan := flag.Bool("scan", true, "enumerate the PCI fabric")
	poweroff := flag.Bool("poweroff", false, "run the power-off transition (synthetic machines only)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	noColor := flag.Bool("no-color", false, "disable styled output")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		os.Stderr, &slog.HandlerOptions{Level: level},
	)))

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	st := newStyles(isTTY && !*noColor)

	switch {
	case *profilePath != "" && *live:
		return fmt.Errorf("hwprobe: -profile and -live are mutually exclusive")
	case *profilePath != "":
		return probeProfile(*profilePath, *scan, *poweroff, isTTY, st)
	case *live:
		if *poweroff {
			return fmt.Errorf("hwprobe: refusing -poweroff on live hardware")
		}
		return probeLive(*scan, isTTY, st)
	default:
		flag.Usage()
		return fmt.Errorf("hwprobe: one of -profile or -live is required")
	}
}

func probeProfile(path string, scan, poweroff, isTTY bool, st styles) error {
	profile, err := platform.LoadProfile(path)
	if err != nil {
		return err
	}
	machine, err := profile.Build()
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", st.heading("machine:"), profile.Name)

	info := platform.Discover(machine.Bus, topology.Options{}, slog.Default())
	printDiscovery(info, st)

	router, err := intr.NewRouter(intr.RouterConfig{
		Topology: info.Topology,
		Memory:   machine.Bus,
		Ports:    machine.Bus,
		Log:      slog.Default(),
	})
	if err != nil {
		return err
	}

	if scan {
		if _, err := scanFabric(machine.Bus, machine.Evaluator, isTTY, st); err != nil {
			return err
		}
	}

	if poweroff {
		return runPowerOff(machine, info, router, st)
	}
	return nil
}

func probeLive(scan, isTTY bool, st styles) error {
	mem, err := hwio.OpenDevMem(false)
	if err != nil {
		return fmt.Errorf("hwprobe: open physical memory: %w", err)
	}
	defer mem.Close()

	info := platform.Discover(mem, topology.Options{}, slog.Default())
	printDiscovery(info, st)

	if !scan {
		return nil
	}
	ports, err := hwio.OpenDevPort()
	if err != nil {
		return fmt.Errorf("hwprobe: open port space: %w", err)
	}
	defer ports.Close()

	_, err = scanFabric(struct {
		hwio.PhysicalMemory
		hwio.PortIO
	}{mem, ports}, nil, isTTY, st)
	return err
}

func printDiscovery(info *platform.Info, st styles) {
	if info.Degraded {
		fmt.Printf("%s %s\n", st.heading("firmware:"),
			st.bad("malformed or missing, legacy fallback in effect"))
	} else {
		fmt.Printf("%s revision %d, OEM %q\n", st.heading("firmware:"),
			info.RSDP.Revision, info.RSDP.OEMID)
		if info.Tables != nil {
			fmt.Printf("  tables: %v\n", info.Tables.Signatures())
		}
	}

	topo := info.Topology
	mode := st.good("I/O APIC")
	if topo.LegacyOnly() {
		mode = st.bad("legacy 8259 only")
	}
	fmt.Printf("%s %s\n", st.heading("interrupt mode:"), mode)
	for _, apic := range topo.IOAPICs() {
		fmt.Printf("  ioapic %d at %#x, GSI %d-%d\n",
			apic.ID, apic.Address, apic.GSIBase, apic.GSIBase+apic.Pins-1)
	}
	for irq := uint8(0); irq < 16; irq++ {
		route, err := topo.LegacyIRQ(irq)
		if err != nil {
			continue
		}
		if route.GSI != uint32(irq) {
			fmt.Printf("  irq %d overridden to GSI %d (%s, %s)\n",
				irq, route.GSI, route.Polarity, route.Trigger)
		}
	}

	if info.FADT != nil {
		fmt.Printf("%s SCI on line %d, PM1a control at %#x\n",
			st.heading("power:"), info.FADT.SCIInterrupt, info.FADT.PM1aControlBlock)
	}
}

type memAndPorts interface {
	hwio.PhysicalMemory
	hwio.PortIO
}

func scanFabric(bus memAndPorts, eval interp.Evaluator, isTTY bool, st styles) ([]pcibus.Device, error) {
	scanner := pcibus.NewScanner(pcibus.NewPortMechanism(bus), slog.Default())
	if isTTY {
		bar := progressbar.Default(32, "scan pci")
		scanner.Progress = func(done, total int) {
			_ = bar.Set(done)
		}
		defer bar.Close()
	}

	devices, err := scanner.Enumerate()
	if err != nil {
		return nil, err
	}
	if eval != nil {
		if err := pcibus.CrossReference(devices, eval, slog.Default()); err != nil {
			return nil, err
		}
	}

	fmt.Printf("%s %d functions\n", st.heading("pci:"), len(devices))
	for _, dev := range devices {
		tag := ""
		if eval != nil && dev.Address.Bus == 0 && !dev.InNamespace {
			tag = "  " + st.bad("(not in firmware namespace)")
		}
		fmt.Printf("  %s%s\n", dev, tag)
		for _, bar := range dev.BARs {
			kind := "mem"
			if bar.IsIO {
				kind = "io"
			}
			fmt.Printf("    %s\n", st.dim(fmt.Sprintf("bar%d: %s %#x", bar.Index, kind, bar.Address)))
		}
		if len(dev.Capabilities) > 0 {
			names := make([]string, len(dev.Capabilities))
			for i, c := range dev.Capabilities {
				names[i] = pcibus.CapabilityName(c.ID)
			}
			fmt.Printf("    %s\n", st.dim("caps: "+strings.Join(names, ", ")))
		}
	}
	return devices, nil
}

func runPowerOff(machine *platform.Machine, info *platform.Info, router *intr.Router, st styles) error {
	services := osl.New(osl.Config{
		Memory: machine.Bus,
		Ports:  machine.Bus,
		PCI:    pcibus.NewPortMechanism(machine.Bus),
		Router: router,
		Log:    slog.Default(),
	})
	if info.FADT != nil {
		if err := services.InstallInterruptHandler(uint32(info.FADT.SCIInterrupt), "sci", func() {}); err != nil {
			return err
		}
	}

	mgr := power.NewManager(power.Config{
		Evaluator: machine.Evaluator,
		FADT:      info.FADT,
		Ports:     machine.Bus,
		Memory:    machine.Bus,
		Log:       slog.Default(),
	})
	if err := mgr.PowerOff(); err != nil {
		fmt.Printf("%s %s (%v)\n", st.heading("power-off:"), st.bad(mgr.State().String()), err)
		return err
	}
	fmt.Printf("%s %s\n", st.heading("power-off:"), st.good(mgr.State().String()))
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
