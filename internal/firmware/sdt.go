// Package firmware locates and decodes the ACPI tables the platform hands
// the kernel at boot: the root pointer structure, the RSDT/XSDT index, the
// interrupt-topology table (MADT) and the fixed description table (FADT).
// All input is treated as untrusted; decoding is bounds-checked everywhere
// and fails with ErrMalformedTable instead of panicking.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedTable reports a checksum failure, a truncated table or a
// record that would read past its table's declared end. Callers recover by
// falling back to a legacy-PIC-only configuration.
var ErrMalformedTable = errors.New("firmware: malformed table")

// ErrTableNotFound reports that no table with the requested signature is
// referenced by the RSDT/XSDT.
var ErrTableNotFound = errors.New("firmware: table not found")

// headerSize is the fixed size of every system description table header.
const headerSize = 36

// maxTableSize bounds how much physical memory a single table read may
// traverse. Real tables are a few KiB; firmware claiming more than this is
// treated as hostile.
const maxTableSize = 1 << 20

// Header is the common system description table header.
type Header struct {
	Signature       string
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           string
	OEMTableID      string
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

func parseHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("firmware: %d byte header: %w", len(b), ErrMalformedTable)
	}
	return Header{
		Signature:       string(b[0:4]),
		Length:          binary.LittleEndian.Uint32(b[4:8]),
		Revision:        b[8],
		Checksum:        b[9],
		OEMID:           trimPadding(b[10:16]),
		OEMTableID:      trimPadding(b[16:24]),
		OEMRevision:     binary.LittleEndian.Uint32(b[24:28]),
		CreatorID:       binary.LittleEndian.Uint32(b[28:32]),
		CreatorRevision: binary.LittleEndian.Uint32(b[32:36]),
	}, nil
}

// validateTable checks the declared length and full-table checksum of a
// complete table image.
func validateTable(b []byte) (Header, error) {
	header, err := parseHeader(b)
	if err != nil {
		return Header{}, err
	}
	if header.Length < headerSize || int(header.Length) > len(b) {
		return Header{}, fmt.Errorf("firmware: %s declares %d bytes, have %d: %w",
			header.Signature, header.Length, len(b), ErrMalformedTable)
	}
	if sum := checksum(b[:header.Length]); sum != 0 {
		return Header{}, fmt.Errorf("firmware: %s checksum residue %#02x: %w",
			header.Signature, sum, ErrMalformedTable)
	}
	return header, nil
}

// checksum returns the byte sum of b. A valid table sums to zero.
func checksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

func trimPadding(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}
