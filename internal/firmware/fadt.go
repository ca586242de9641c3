package firmware

import (
	"encoding/binary"
	"fmt"
)

// FADTSignature is the table signature of the fixed description table.
const FADTSignature = "FACP"

// GenericAddress is the ACPI generic address structure used by newer FADT
// revisions for the reset register.
type GenericAddress struct {
	SpaceID  uint8
	BitWidth uint8
	Offset   uint8
	Width    uint8
	Address  uint64
}

// FADT carries the fixed hardware description the power manager and the
// services layer need: the SCI line number, the SMI handshake ports and the
// PM1 register blocks.
type FADT struct {
	Header Header

	DSDTAddr uint32

	SCIInterrupt uint16
	SMICommand   uint32
	ACPIEnable   uint8
	ACPIDisable  uint8

	PM1aEventBlock   uint32
	PM1bEventBlock   uint32
	PM1aControlBlock uint32
	PM1bControlBlock uint32
	PMTimerBlock     uint32

	PM1EventLength   uint8
	PM1ControlLength uint8
	PMTimerLength    uint8

	ResetRegister GenericAddress
	ResetValue    uint8
}

// fadtMinLength covers every fixed-offset field we decode short of the
// reset register, which is optional (revision dependent).
const fadtMinLength = 92

// ParseFADT decodes a complete FADT image (already checksummed by the
// table reader).
func ParseFADT(table []byte) (*FADT, error) {
	header, err := validateTable(table)
	if err != nil {
		return nil, err
	}
	if header.Signature != FADTSignature {
		return nil, fmt.Errorf("firmware: signature %q is not a FADT: %w", header.Signature, ErrMalformedTable)
	}
	if header.Length < fadtMinLength {
		return nil, fmt.Errorf("firmware: FADT declares %d bytes: %w", header.Length, ErrMalformedTable)
	}

	fadt := &FADT{
		Header:           header,
		DSDTAddr:         binary.LittleEndian.Uint32(table[40:]),
		SCIInterrupt:     binary.LittleEndian.Uint16(table[46:]),
		SMICommand:       binary.LittleEndian.Uint32(table[48:]),
		ACPIEnable:       table[52],
		ACPIDisable:      table[53],
		PM1aEventBlock:   binary.LittleEndian.Uint32(table[56:]),
		PM1bEventBlock:   binary.LittleEndian.Uint32(table[60:]),
		PM1aControlBlock: binary.LittleEndian.Uint32(table[64:]),
		PM1bControlBlock: binary.LittleEndian.Uint32(table[68:]),
		PMTimerBlock:     binary.LittleEndian.Uint32(table[76:]),
		PM1EventLength:   table[88],
		PM1ControlLength: table[89],
		PMTimerLength:    table[91],
	}

	// Revision ≥ 2 appends the reset register at offset 116.
	if header.Length >= 129 {
		fadt.ResetRegister = GenericAddress{
			SpaceID:  table[116],
			BitWidth: table[117],
			Offset:   table[118],
			Width:    table[119],
			Address:  binary.LittleEndian.Uint64(table[120:]),
		}
		fadt.ResetValue = table[128]
	}
	return fadt, nil
}
