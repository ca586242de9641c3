package firmware

import (
	"encoding/binary"
	"fmt"

	"github.com/ferrite-os/ferrite/internal/hwio"
)

// TableSet is the index of tables reachable from the RSDP. It keeps only
// physical addresses; table bodies are read and checksummed on demand
// through a bounded window.
type TableSet struct {
	mem    hwio.PhysicalMemory
	rsdp   *RSDP
	byName map[string][]uint64
}

// LoadTables follows the RSDP to the RSDT (or XSDT on revision ≥ 2) and
// indexes every referenced table by signature. The index table itself must
// checksum clean; individual tables are validated lazily by Table.
func LoadTables(mem hwio.PhysicalMemory, rsdp *RSDP) (*TableSet, error) {
	var (
		rootAddr   uint64
		entryWidth int
	)
	if rsdp.Revision >= 2 && rsdp.XSDTAddr != 0 {
		rootAddr, entryWidth = rsdp.XSDTAddr, 8
	} else {
		rootAddr, entryWidth = uint64(rsdp.RSDTAddr), 4
	}

	root, _, err := readTable(mem, rootAddr)
	if err != nil {
		return nil, fmt.Errorf("firmware: root index table: %w", err)
	}

	set := &TableSet{mem: mem, rsdp: rsdp, byName: make(map[string][]uint64)}
	entries := root[headerSize:]
	for off := 0; off+entryWidth <= len(entries); off += entryWidth {
		var addr uint64
		if entryWidth == 8 {
			addr = binary.LittleEndian.Uint64(entries[off:])
		} else {
			addr = uint64(binary.LittleEndian.Uint32(entries[off:]))
		}
		if addr == 0 {
			continue
		}
		var sig [4]byte
		if err := mem.ReadAt(sig[:], addr); err != nil {
			continue
		}
		name := string(sig[:])
		set.byName[name] = append(set.byName[name], addr)
	}
	return set, nil
}

// Table reads, length-validates and checksums the first table with the
// given signature and returns its full image including the header.
func (s *TableSet) Table(signature string) ([]byte, Header, error) {
	addrs := s.byName[signature]
	if len(addrs) == 0 {
		return nil, Header{}, fmt.Errorf("firmware: %q: %w", signature, ErrTableNotFound)
	}
	return readTable(s.mem, addrs[0])
}

// Signatures lists the indexed table signatures, with duplicates.
func (s *TableSet) Signatures() []string {
	var out []string
	for name, addrs := range s.byName {
		for range addrs {
			out = append(out, name)
		}
	}
	return out
}

// RSDP returns the root pointer this set was loaded from.
func (s *TableSet) RSDP() *RSDP { return s.rsdp }

func readTable(mem hwio.PhysicalMemory, addr uint64) ([]byte, Header, error) {
	var headerBuf [headerSize]byte
	if err := mem.ReadAt(headerBuf[:], addr); err != nil {
		return nil, Header{}, fmt.Errorf("firmware: read header at %#x: %w", addr, err)
	}
	header, err := parseHeader(headerBuf[:])
	if err != nil {
		return nil, Header{}, err
	}
	if header.Length < headerSize || header.Length > maxTableSize {
		return nil, Header{}, fmt.Errorf("firmware: %s declares %d bytes: %w",
			header.Signature, header.Length, ErrMalformedTable)
	}

	body := make([]byte, header.Length)
	if err := mem.ReadAt(body, addr); err != nil {
		return nil, Header{}, fmt.Errorf("firmware: read %s at %#x: %w", header.Signature, addr, err)
	}
	validated, err := validateTable(body)
	if err != nil {
		return nil, Header{}, err
	}
	return body, validated, nil
}
