package firmware

import (
	"encoding/binary"
	"fmt"
)

// MADTSignature is the table signature of the interrupt-topology table.
const MADTSignature = "APIC"

// Record type tags defined by the table format.
const (
	recordLocalAPIC        = 0x00
	recordIOAPIC           = 0x01
	recordOverride         = 0x02
	recordNMISource        = 0x03
	recordLocalAPICNMI     = 0x04
	recordLocalAPICAddress = 0x05
)

// Polarity is the interrupt line polarity encoded in override flags.
type Polarity uint8

const (
	PolarityConforms Polarity = 0
	PolarityHigh     Polarity = 1
	PolarityLow      Polarity = 3
)

func (p Polarity) String() string {
	switch p {
	case PolarityConforms:
		return "conforms"
	case PolarityHigh:
		return "active-high"
	case PolarityLow:
		return "active-low"
	default:
		return fmt.Sprintf("polarity(%d)", uint8(p))
	}
}

// TriggerMode is the interrupt trigger mode encoded in override flags.
type TriggerMode uint8

const (
	TriggerConforms TriggerMode = 0
	TriggerEdge     TriggerMode = 1
	TriggerLevel    TriggerMode = 3
)

func (t TriggerMode) String() string {
	switch t {
	case TriggerConforms:
		return "conforms"
	case TriggerEdge:
		return "edge"
	case TriggerLevel:
		return "level"
	default:
		return fmt.Sprintf("trigger(%d)", uint8(t))
	}
}

// Record is one entry of the interrupt-topology table. The concrete types
// below form a closed set; firmware record types the kernel does not
// understand decode to RecordUnknown and are skipped by length.
type Record interface {
	isRecord()
}

// RecordLocalAPIC declares a processor and its local APIC.
type RecordLocalAPIC struct {
	ProcessorID   uint8
	APICID        uint8
	Enabled       bool
	OnlineCapable bool
}

// RecordIOAPIC declares an I/O APIC and the start of its GSI range.
type RecordIOAPIC struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// RecordOverride changes the routing of one legacy IRQ. Overrides are
// matched by (BusSource, IRQSource); later table entries win.
type RecordOverride struct {
	BusSource uint8
	IRQSource uint8
	GSI       uint32
	Polarity  Polarity
	Trigger   TriggerMode
}

// RecordNMISource marks a GSI as a non-maskable interrupt input.
type RecordNMISource struct {
	GSI      uint32
	Polarity Polarity
	Trigger  TriggerMode
}

// RecordLocalAPICNMI describes which local APIC LINT pin carries NMIs.
// ProcessorID 0xFF applies to all processors.
type RecordLocalAPICNMI struct {
	ProcessorID uint8
	LINT        uint8
	Polarity    Polarity
	Trigger     TriggerMode
}

// RecordLocalAPICAddress widens the 32-bit local APIC address to 64 bits.
type RecordLocalAPICAddress struct {
	Address uint64
}

// RecordUnknown preserves an unrecognized record for diagnostics.
type RecordUnknown struct {
	Type uint8
	Data []byte
}

func (RecordLocalAPIC) isRecord()        {}
func (RecordIOAPIC) isRecord()           {}
func (RecordOverride) isRecord()         {}
func (RecordNMISource) isRecord()        {}
func (RecordLocalAPICNMI) isRecord()     {}
func (RecordLocalAPICAddress) isRecord() {}
func (RecordUnknown) isRecord()          {}

// MADT is the decoded interrupt-topology table.
type MADT struct {
	Header        Header
	LocalAPICAddr uint32
	// PCATCompatible reports a dual-8259 setup that must be masked before
	// switching to APIC delivery.
	PCATCompatible bool
	Records        []Record
}

// madtFixedSize is the header plus the local APIC address and flags words.
const madtFixedSize = headerSize + 8

// ParseMADT decodes a complete MADT image (including its header, already
// checksummed by the table reader). Record decoding is driven by each
// record's type and length byte; a length that is shorter than the record's
// own preamble or runs past the table's declared end is rejected.
func ParseMADT(table []byte) (*MADT, error) {
	header, err := validateTable(table)
	if err != nil {
		return nil, err
	}
	if header.Signature != MADTSignature {
		return nil, fmt.Errorf("firmware: signature %q is not an MADT: %w", header.Signature, ErrMalformedTable)
	}
	if header.Length < madtFixedSize {
		return nil, fmt.Errorf("firmware: MADT declares %d bytes: %w", header.Length, ErrMalformedTable)
	}

	flags := binary.LittleEndian.Uint32(table[headerSize+4:])
	madt := &MADT{
		Header:         header,
		LocalAPICAddr:  binary.LittleEndian.Uint32(table[headerSize:]),
		PCATCompatible: flags&1 != 0,
	}

	records := table[madtFixedSize:header.Length]
	for len(records) > 0 {
		if len(records) < 2 {
			return nil, fmt.Errorf("firmware: trailing %d bytes in MADT: %w", len(records), ErrMalformedTable)
		}
		recType, recLen := records[0], int(records[1])
		if recLen < 2 || recLen > len(records) {
			return nil, fmt.Errorf("firmware: record type %#02x declares %d of %d remaining bytes: %w",
				recType, recLen, len(records), ErrMalformedTable)
		}
		record, err := decodeRecord(recType, records[:recLen])
		if err != nil {
			return nil, err
		}
		madt.Records = append(madt.Records, record)
		records = records[recLen:]
	}
	return madt, nil
}

func decodeRecord(recType uint8, b []byte) (Record, error) {
	body := b[2:]
	switch recType {
	case recordLocalAPIC:
		if len(body) < 6 {
			return nil, shortRecord(recType, len(b))
		}
		flags := binary.LittleEndian.Uint32(body[2:])
		return RecordLocalAPIC{
			ProcessorID:   body[0],
			APICID:        body[1],
			Enabled:       flags&1 != 0,
			OnlineCapable: flags&2 != 0,
		}, nil
	case recordIOAPIC:
		if len(body) < 10 {
			return nil, shortRecord(recType, len(b))
		}
		return RecordIOAPIC{
			ID:      body[0],
			Address: binary.LittleEndian.Uint32(body[2:]),
			GSIBase: binary.LittleEndian.Uint32(body[6:]),
		}, nil
	case recordOverride:
		if len(body) < 8 {
			return nil, shortRecord(recType, len(b))
		}
		flags := binary.LittleEndian.Uint16(body[6:])
		return RecordOverride{
			BusSource: body[0],
			IRQSource: body[1],
			GSI:       binary.LittleEndian.Uint32(body[2:]),
			Polarity:  Polarity(flags & 0x3),
			Trigger:   TriggerMode((flags >> 2) & 0x3),
		}, nil
	case recordNMISource:
		if len(body) < 6 {
			return nil, shortRecord(recType, len(b))
		}
		flags := binary.LittleEndian.Uint16(body)
		return RecordNMISource{
			GSI:      binary.LittleEndian.Uint32(body[2:]),
			Polarity: Polarity(flags & 0x3),
			Trigger:  TriggerMode((flags >> 2) & 0x3),
		}, nil
	case recordLocalAPICNMI:
		if len(body) < 4 {
			return nil, shortRecord(recType, len(b))
		}
		flags := binary.LittleEndian.Uint16(body[1:])
		return RecordLocalAPICNMI{
			ProcessorID: body[0],
			LINT:        body[3],
			Polarity:    Polarity(flags & 0x3),
			Trigger:     TriggerMode((flags >> 2) & 0x3),
		}, nil
	case recordLocalAPICAddress:
		if len(body) < 10 {
			return nil, shortRecord(recType, len(b))
		}
		return RecordLocalAPICAddress{
			Address: binary.LittleEndian.Uint64(body[2:]),
		}, nil
	default:
		// Forward-compatible skip: newer firmware may emit record types
		// this kernel predates.
		return RecordUnknown{Type: recType, Data: append([]byte(nil), body...)}, nil
	}
}

func shortRecord(recType uint8, length int) error {
	return fmt.Errorf("firmware: record type %#02x truncated at %d bytes: %w", recType, length, ErrMalformedTable)
}
