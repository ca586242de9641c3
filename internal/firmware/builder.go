package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ferrite-os/ferrite/internal/hwio"
)

// BuildConfig describes a synthetic machine's firmware tables. It is used
// by tests and by hwprobe's synthetic mode to fabricate any topology,
// including degenerate ones.
type BuildConfig struct {
	// TablesBase is the physical address the table blob is placed at.
	TablesBase uint64
	// RSDPBase is the physical address of the root pointer. It must lie in
	// one of the defined search regions for LocateRSDP to find it.
	RSDPBase uint64

	OEMID      string
	OEMTableID string

	LocalAPICAddr  uint32
	PCATCompatible bool

	CPUs      []CPUConfig
	IOAPICs   []IOAPICConfig
	Overrides []OverrideConfig
	APICNMIs  []LocalAPICNMIConfig

	// RawRecords appends arbitrary record bytes after the typed records,
	// for exercising unknown-type skipping and malformed layouts.
	RawRecords []byte

	// FADT emits a fixed description table when non-nil.
	FADT *FADTConfig
}

// CPUConfig is one processor local APIC entry.
type CPUConfig struct {
	ProcessorID uint8
	APICID      uint8
	Enabled     bool
}

// IOAPICConfig is one I/O APIC entry.
type IOAPICConfig struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// OverrideConfig is one interrupt source override entry.
type OverrideConfig struct {
	Bus      uint8
	IRQ      uint8
	GSI      uint32
	Polarity Polarity
	Trigger  TriggerMode
}

// LocalAPICNMIConfig is one local APIC NMI entry.
type LocalAPICNMIConfig struct {
	ProcessorID uint8
	LINT        uint8
}

// FADTConfig selects the fixed-table fields a synthetic machine reports.
type FADTConfig struct {
	SCIInterrupt     uint16
	SMICommand       uint32
	ACPIEnable       uint8
	PM1aEventBlock   uint32
	PM1aControlBlock uint32
	PMTimerBlock     uint32
}

// Image is a built firmware blob plus the addresses it must be loaded at.
type Image struct {
	TablesBase uint64
	Tables     []byte
	RSDPBase   uint64
	RSDP       []byte
}

// BuildImage assembles RSDP → XSDT → {MADT, FADT} for the supplied config.
func BuildImage(cfg BuildConfig) (*Image, error) {
	if cfg.TablesBase == 0 || cfg.RSDPBase == 0 {
		return nil, fmt.Errorf("firmware: build config needs TablesBase and RSDPBase")
	}
	writer := newTableWriter(cfg.TablesBase, cfg.OEMID, cfg.OEMTableID)

	madtAddr := writer.append(MADTSignature, 1, buildMADTBody(cfg))

	var entries []uint64
	if cfg.FADT != nil {
		fadtAddr := writer.append(FADTSignature, 2, buildFADTBody(cfg.FADT))
		entries = append(entries, fadtAddr)
	}
	entries = append(entries, madtAddr)

	xsdtBody := &bytes.Buffer{}
	for _, entry := range entries {
		binary.Write(xsdtBody, binary.LittleEndian, entry)
	}
	xsdtAddr := writer.append("XSDT", 1, xsdtBody.Bytes())

	return &Image{
		TablesBase: cfg.TablesBase,
		Tables:     writer.bytes(),
		RSDPBase:   cfg.RSDPBase,
		RSDP:       buildRSDP(xsdtAddr, cfg.OEMID),
	}, nil
}

// InstallImage loads an image into a simulated bus, adding RAM regions as
// needed. The RSDP region is padded so signature scanning stays in bounds.
func InstallImage(bus *hwio.SimBus, img *Image) error {
	if err := bus.AddRAM(img.TablesBase, uint64(len(img.Tables))); err != nil {
		return err
	}
	if err := bus.LoadBytes(img.TablesBase, img.Tables); err != nil {
		return err
	}
	if err := bus.AddRAM(img.RSDPBase&^0xFFF, 8192); err != nil {
		return err
	}
	return bus.LoadBytes(img.RSDPBase, img.RSDP)
}

func buildMADTBody(cfg BuildConfig) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, cfg.LocalAPICAddr)
	flags := uint32(0)
	if cfg.PCATCompatible {
		flags |= 1
	}
	binary.Write(buf, binary.LittleEndian, flags)

	for _, cpu := range cfg.CPUs {
		buf.WriteByte(recordLocalAPIC)
		buf.WriteByte(8)
		buf.WriteByte(cpu.ProcessorID)
		buf.WriteByte(cpu.APICID)
		apicFlags := uint32(0)
		if cpu.Enabled {
			apicFlags |= 1
		}
		binary.Write(buf, binary.LittleEndian, apicFlags)
	}

	for _, io := range cfg.IOAPICs {
		buf.WriteByte(recordIOAPIC)
		buf.WriteByte(12)
		buf.WriteByte(io.ID)
		buf.WriteByte(0)
		binary.Write(buf, binary.LittleEndian, io.Address)
		binary.Write(buf, binary.LittleEndian, io.GSIBase)
	}

	for _, ovr := range cfg.Overrides {
		buf.WriteByte(recordOverride)
		buf.WriteByte(10)
		buf.WriteByte(ovr.Bus)
		buf.WriteByte(ovr.IRQ)
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, uint16(ovr.Polarity)|uint16(ovr.Trigger)<<2)
	}

	for _, nmi := range cfg.APICNMIs {
		buf.WriteByte(recordLocalAPICNMI)
		buf.WriteByte(6)
		buf.WriteByte(nmi.ProcessorID)
		binary.Write(buf, binary.LittleEndian, uint16(PolarityHigh)|uint16(TriggerEdge)<<2)
		buf.WriteByte(nmi.LINT)
	}

	buf.Write(cfg.RawRecords)
	return buf.Bytes()
}

func buildFADTBody(cfg *FADTConfig) []byte {
	body := make([]byte, fadtMinLength-headerSize)
	binary.LittleEndian.PutUint16(body[46-headerSize:], cfg.SCIInterrupt)
	binary.LittleEndian.PutUint32(body[48-headerSize:], cfg.SMICommand)
	body[52-headerSize] = cfg.ACPIEnable
	binary.LittleEndian.PutUint32(body[56-headerSize:], cfg.PM1aEventBlock)
	binary.LittleEndian.PutUint32(body[64-headerSize:], cfg.PM1aControlBlock)
	binary.LittleEndian.PutUint32(body[76-headerSize:], cfg.PMTimerBlock)
	body[88-headerSize] = 4
	body[89-headerSize] = 2
	body[91-headerSize] = 4
	return body
}

func buildRSDP(xsdtAddr uint64, oemID string) []byte {
	rsdp := make([]byte, rsdpV2Length)
	copy(rsdp, rsdpSignature)
	copy(rsdp[9:15], padded(oemID, 6))
	rsdp[15] = 2
	binary.LittleEndian.PutUint32(rsdp[20:], rsdpV2Length)
	binary.LittleEndian.PutUint64(rsdp[24:], xsdtAddr)

	rsdp[8] = negChecksum(rsdp[:rsdpV1Length])
	rsdp[32] = negChecksum(rsdp)
	return rsdp
}

type tableWriter struct {
	buf        bytes.Buffer
	base       uint64
	oemID      []byte
	oemTableID []byte
}

func newTableWriter(base uint64, oemID, oemTableID string) *tableWriter {
	if oemID == "" {
		oemID = "FERRIT"
	}
	if oemTableID == "" {
		oemTableID = "FERRITE "
	}
	return &tableWriter{base: base, oemID: padded(oemID, 6), oemTableID: padded(oemTableID, 8)}
}

func (w *tableWriter) append(signature string, revision uint8, body []byte) uint64 {
	start := w.buf.Len()

	header := make([]byte, headerSize)
	copy(header[:4], signature)
	header[8] = revision
	copy(header[10:16], w.oemID)
	copy(header[16:24], w.oemTableID)
	binary.LittleEndian.PutUint32(header[24:28], 1)
	copy(header[28:32], "FRIT")
	binary.LittleEndian.PutUint32(header[32:36], 1)

	w.buf.Write(header)
	w.buf.Write(body)

	table := w.buf.Bytes()[start:]
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	table[9] = negChecksum(table)

	if pad := len(table) % 8; pad != 0 {
		w.buf.Write(make([]byte, 8-pad))
	}
	return w.base + uint64(start)
}

func (w *tableWriter) bytes() []byte { return w.buf.Bytes() }

// negChecksum returns the byte that makes b sum to zero.
func negChecksum(b []byte) byte {
	return byte(0 - checksum(b))
}

func padded(s string, n int) []byte {
	out := bytes.Repeat([]byte{' '}, n)
	copy(out, s)
	return out
}
