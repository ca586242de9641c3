package firmware

import (
	"bytes"
	"fmt"

	"github.com/ferrite-os/ferrite/internal/hwio"
)

const (
	rsdpSignature = "RSD PTR "

	// The BIOS stores the EBDA segment at physical 0x40E; the RSDP may live
	// in the first KiB of the EBDA or in the ROM window below 1 MiB.
	ebdaPointerAddr  = 0x40E
	ebdaScanLength   = 1024
	biosROMScanStart = 0xE0000
	biosROMScanEnd   = 0x100000

	rsdpV1Length = 20
	rsdpV2Length = 36
)

// RSDP is the root system description pointer handed over by the BIOS or
// UEFI. Revision ≥ 2 carries the 64-bit XSDT address and an extended
// checksum over the whole structure.
type RSDP struct {
	Revision uint8
	OEMID    string
	RSDTAddr uint32
	XSDTAddr uint64
}

// LocateRSDP scans the defined firmware search regions for a valid root
// pointer: the first KiB of the EBDA, then the 0xE0000-0xFFFFF ROM window,
// on 16-byte boundaries.
func LocateRSDP(mem hwio.PhysicalMemory) (*RSDP, error) {
	if ebdaSeg, err := hwio.ReadUint16(mem, ebdaPointerAddr); err == nil && ebdaSeg != 0 {
		base := uint64(ebdaSeg) << 4
		if rsdp, err := scanForRSDP(mem, base, base+ebdaScanLength); err == nil {
			return rsdp, nil
		}
	}
	return scanForRSDP(mem, biosROMScanStart, biosROMScanEnd)
}

// ParseRSDPAt validates the RSDP at a known physical address, as provided
// by a UEFI bootloader that already found it.
func ParseRSDPAt(mem hwio.PhysicalMemory, addr uint64) (*RSDP, error) {
	var buf [rsdpV2Length]byte
	if err := mem.ReadAt(buf[:], addr); err != nil {
		return nil, fmt.Errorf("firmware: read RSDP at %#x: %w", addr, err)
	}
	return parseRSDP(buf[:])
}

func scanForRSDP(mem hwio.PhysicalMemory, start, end uint64) (*RSDP, error) {
	for addr := start &^ 0xF; addr+rsdpV2Length <= end; addr += 16 {
		var buf [rsdpV2Length]byte
		if err := mem.ReadAt(buf[:], addr); err != nil {
			break
		}
		if !bytes.Equal(buf[:8], []byte(rsdpSignature)) {
			continue
		}
		rsdp, err := parseRSDP(buf[:])
		if err != nil {
			// A stale copy with a bad checksum does not stop the scan.
			continue
		}
		return rsdp, nil
	}
	return nil, fmt.Errorf("firmware: no RSDP in %#x-%#x: %w", start, end, ErrMalformedTable)
}

func parseRSDP(b []byte) (*RSDP, error) {
	if len(b) < rsdpV1Length || !bytes.Equal(b[:8], []byte(rsdpSignature)) {
		return nil, fmt.Errorf("firmware: bad RSDP signature: %w", ErrMalformedTable)
	}
	if sum := checksum(b[:rsdpV1Length]); sum != 0 {
		return nil, fmt.Errorf("firmware: RSDP checksum residue %#02x: %w", sum, ErrMalformedTable)
	}

	rsdp := &RSDP{
		Revision: b[15],
		OEMID:    trimPadding(b[9:15]),
		RSDTAddr: leUint32(b[16:20]),
	}
	if rsdp.Revision >= 2 {
		if len(b) < rsdpV2Length {
			return nil, fmt.Errorf("firmware: truncated v2 RSDP: %w", ErrMalformedTable)
		}
		if sum := checksum(b[:rsdpV2Length]); sum != 0 {
			return nil, fmt.Errorf("firmware: RSDP extended checksum residue %#02x: %w", sum, ErrMalformedTable)
		}
		rsdp.XSDTAddr = leUint64(b[24:32])
	}
	return rsdp, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	return uint64(leUint32(b)) | uint64(leUint32(b[4:]))<<32
}
