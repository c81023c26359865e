package image

import (
	"encoding/binary"

	"github.com/carved4/go-dllproxy/pkg/errors"
)

const (
	dosHeaderSize        = 64
	lfanewOffset         = 0x3C
	coffHeaderSize       = 20
	optionalHeader32Size = 96 // up to the data directories
	optionalHeader64Size = 112
	dataDirectorySize    = 8
	sectionHeaderSize    = 40
	exportDirSize        = 40
	maxNameLength        = 4096
	directoryExport      = 0 // IMAGE_DIRECTORY_ENTRY_EXPORT
	magicPE32            = 0x10b
	magicPE32Plus        = 0x20b
	peSignature          = "PE\x00\x00"
	numDataDirectory     = 16
)

// Offsets within IMAGE_EXPORT_DIRECTORY
const (
	edName                  = 12
	edBase                  = 16
	edNumberOfFunctions     = 20
	edNumberOfNames         = 24
	edAddressOfFunctions    = 28
	edAddressOfNames        = 32
	edAddressOfNameOrdinals = 36
)

// buffer is an owned image with bounds-checked little-endian reads.
type buffer []byte

func (b buffer) span(off, n uint64) ([]byte, error) {
	if off > uint64(len(b)) || n > uint64(len(b))-off {
		return nil, errors.Malformed("read of %d bytes at 0x%x past end of file (%d bytes)", n, off, len(b))
	}
	return b[off : off+n], nil
}

func (b buffer) u16(off uint64) (uint16, error) {
	p, err := b.span(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (b buffer) u32(off uint64) (uint32, error) {
	p, err := b.span(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

// cstring reads a NUL-terminated ASCII string at off. The terminator must be
// found within limit bytes and inside the file.
func (b buffer) cstring(off uint64, limit int) (string, error) {
	if off >= uint64(len(b)) {
		return "", errors.Malformed("string at 0x%x past end of file", off)
	}
	end := uint64(len(b))
	if off+uint64(limit) < end {
		end = off + uint64(limit)
	}
	for i := off; i < end; i++ {
		if b[i] == 0 {
			return string(b[off:i]), nil
		}
		if b[i] >= 0x80 {
			return "", errors.Malformed("non-ASCII byte in string at 0x%x", off)
		}
	}
	return "", errors.Malformed("unterminated string at 0x%x", off)
}

type section struct {
	va, vsize  uint32
	off, rsize uint32
}

// rvaMap translates relative virtual addresses into file offsets.
type rvaMap struct {
	headers  uint32
	sections []section
}

func (m rvaMap) offset(rva uint32) (uint64, error) {
	if rva < m.headers {
		return uint64(rva), nil
	}
	for _, s := range m.sections {
		size := s.vsize
		if size == 0 || s.rsize > size {
			size = s.rsize
		}
		if rva >= s.va && rva-s.va < size {
			delta := rva - s.va
			if delta >= s.rsize {
				return 0, errors.Malformed("rva 0x%x lies in uninitialized section data", rva)
			}
			return uint64(s.off) + uint64(delta), nil
		}
	}
	return 0, errors.Malformed("rva 0x%x not mapped by any section", rva)
}
