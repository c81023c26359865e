package image

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/Binject/debug/pe"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
)

// ReadFile reads a library image from disk and returns its export table.
// The file is only read, never written.
func ReadFile(path string) (*exports.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Malformed("reading image").Lib(path).Wrap(err)
	}
	t, err := Read(data)
	if err != nil {
		if fe, ok := errors.As(err); ok && fe.Library == "" {
			fe.Library = path
		}
		return nil, err
	}
	return t, nil
}

// headers holds the parts of the PE headers the export walk needs.
type headers struct {
	machine   uint16
	imageBase uint64
	exportRVA uint32
	exportLen uint32
	rva       rvaMap
}

// Read parses the export directory of a PE32 or PE32+ image held in data.
// Forward chains are captured as strings; nothing is resolved here. The
// table has one entry per declared slot, unused slots included.
func Read(data []byte) (*exports.Table, error) {
	buf := buffer(data)
	h, err := parseHeaders(buf)
	if err != nil {
		return nil, err
	}
	return parseExports(buf, h)
}

func parseHeaders(buf buffer) (*headers, error) {
	if len(buf) < dosHeaderSize {
		return nil, errors.Malformed("file too small for DOS header (%d bytes)", len(buf))
	}
	if buf[0] != 'M' || buf[1] != 'Z' {
		return nil, errors.Malformed("missing MZ signature")
	}
	peOff, err := buf.u32(lfanewOffset)
	if err != nil {
		return nil, err
	}
	sig, err := buf.span(uint64(peOff), 4+coffHeaderSize)
	if err != nil {
		return nil, errors.Malformed("PE header at 0x%x truncated", peOff)
	}
	if string(sig[:4]) != peSignature {
		return nil, errors.Malformed("missing PE signature at 0x%x", peOff)
	}

	var fh pe.FileHeader
	if err := decode(sig[4:], &fh); err != nil {
		return nil, err
	}
	// COFF symbols are never read; PointerToSymbolTable is ignored.
	optOff := uint64(peOff) + 4 + coffHeaderSize
	opt, err := buf.span(optOff, uint64(fh.SizeOfOptionalHeader))
	if err != nil {
		return nil, errors.Malformed("optional header (%d bytes) truncated", fh.SizeOfOptionalHeader)
	}
	magic, err := buffer(opt).u16(0)
	if err != nil {
		return nil, errors.Malformed("image has no optional header")
	}

	h := &headers{machine: fh.Machine}
	var (
		dirs  []pe.DataDirectory
		count uint32
		fixed uint64
	)
	switch magic {
	case magicPE32:
		var oh pe.OptionalHeader32
		if err := decode(opt, &oh); err != nil {
			return nil, err
		}
		h.imageBase = uint64(oh.ImageBase)
		h.rva.headers = oh.SizeOfHeaders
		dirs, count, fixed = oh.DataDirectory[:], oh.NumberOfRvaAndSizes, optionalHeader32Size
	case magicPE32Plus:
		var oh pe.OptionalHeader64
		if err := decode(opt, &oh); err != nil {
			return nil, err
		}
		h.imageBase = oh.ImageBase
		h.rva.headers = oh.SizeOfHeaders
		dirs, count, fixed = oh.DataDirectory[:], oh.NumberOfRvaAndSizes, optionalHeader64Size
	default:
		return nil, errors.Malformed("unexpected optional header magic 0x%x", magic)
	}
	if count <= directoryExport || count > numDataDirectory {
		return nil, errors.Malformed("data directory count %d has no export entry", count)
	}
	if fixed+uint64(count)*dataDirectorySize > uint64(len(opt)) {
		return nil, errors.Malformed("optional header of %d bytes cannot hold %d data directories", len(opt), count)
	}
	h.exportRVA = dirs[directoryExport].VirtualAddress
	h.exportLen = dirs[directoryExport].Size
	if h.exportRVA == 0 || h.exportLen < exportDirSize {
		return nil, errors.Malformed("image has no export directory")
	}
	if uint64(h.exportRVA)+uint64(h.exportLen) > 1<<32 {
		return nil, errors.Malformed("export directory wraps the address space")
	}

	secs, err := buf.span(optOff+uint64(fh.SizeOfOptionalHeader), uint64(fh.NumberOfSections)*sectionHeaderSize)
	if err != nil {
		return nil, errors.Malformed("section table of %d entries extends past end of file", fh.NumberOfSections)
	}
	for i := uint64(0); i < uint64(fh.NumberOfSections); i++ {
		var s pe.SectionHeader32
		if err := decode(secs[i*sectionHeaderSize:(i+1)*sectionHeaderSize], &s); err != nil {
			return nil, err
		}
		h.rva.sections = append(h.rva.sections, section{
			va:    s.VirtualAddress,
			vsize: s.VirtualSize,
			off:   s.PointerToRawData,
			rsize: s.SizeOfRawData,
		})
	}
	return h, nil
}

func parseExports(buf buffer, h *headers) (*exports.Table, error) {
	dirOff, err := h.rva.offset(h.exportRVA)
	if err != nil {
		return nil, err
	}
	dir, err := buf.span(dirOff, uint64(h.exportLen))
	if err != nil {
		return nil, errors.Malformed("export directory (0x%x bytes at 0x%x) extends past end of file", h.exportLen, dirOff)
	}
	ed := buffer(dir)
	field := func(off uint64) uint32 {
		v, _ := ed.u32(off) // exportLen >= exportDirSize checked above
		return v
	}

	base := field(edBase)
	numFuncs := field(edNumberOfFunctions)
	numNames := field(edNumberOfNames)
	if numFuncs > 0xFFFF || numNames > 0xFFFF {
		return nil, errors.Malformed("export counts out of range (%d functions, %d names)", numFuncs, numNames)
	}
	if base == 0 && numFuncs > 0 {
		return nil, errors.Malformed("export ordinal base is zero")
	}

	var library string
	if nameRVA := field(edName); nameRVA != 0 {
		off, err := h.rva.offset(nameRVA)
		if err != nil {
			return nil, err
		}
		if library, err = buf.cstring(off, maxNameLength); err != nil {
			return nil, err
		}
	}

	funcs, err := array(buf, h.rva, field(edAddressOfFunctions), numFuncs, 4)
	if err != nil {
		return nil, err
	}
	names, err := array(buf, h.rva, field(edAddressOfNames), numNames, 4)
	if err != nil {
		return nil, err
	}
	ords, err := array(buf, h.rva, field(edAddressOfNameOrdinals), numNames, 2)
	if err != nil {
		return nil, err
	}

	// function index -> name; the first name in name-pointer order wins
	nameByIndex := make(map[uint32]string, numNames)
	for i := uint32(0); i < numNames; i++ {
		idx, _ := ords.u16(uint64(i) * 2)
		if uint32(idx) >= numFuncs {
			return nil, errors.Malformed("name ordinal index %d out of range (%d functions)", idx, numFuncs)
		}
		nameRVA, _ := names.u32(uint64(i) * 4)
		off, err := h.rva.offset(nameRVA)
		if err != nil {
			return nil, err
		}
		name, err := buf.cstring(off, maxNameLength)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, errors.Malformed("empty export name for index %d", idx)
		}
		if _, seen := nameByIndex[uint32(idx)]; !seen {
			nameByIndex[uint32(idx)] = name
		}
	}

	entries := make([]exports.Entry, 0, numFuncs)
	for i := uint32(0); i < numFuncs; i++ {
		rva, _ := funcs.u32(uint64(i) * 4)
		e := exports.Entry{Ordinal: base + i, Name: nameByIndex[i]}
		switch {
		case rva == 0:
			e.Target = exports.Address(0) // unused slot
		case h.inExportDir(rva):
			// the string must terminate inside the export directory
			chain, err := ed.cstring(uint64(rva-h.exportRVA), maxNameLength)
			if err != nil {
				return nil, errors.Malformed("forwarder for %s", e.Label()).Wrap(err)
			}
			e.Target = exports.Forward(chain)
		default:
			e.Target = exports.Address(rva)
		}
		entries = append(entries, e)
	}

	return exports.NewTable(exports.Header{
		Library:   library,
		Base:      base,
		Slots:     numFuncs,
		Machine:   h.machine,
		ImageBase: h.imageBase,
	}, entries)
}

func (h *headers) inExportDir(rva uint32) bool {
	return rva >= h.exportRVA && uint64(rva) < uint64(h.exportRVA)+uint64(h.exportLen)
}

// decode fills the header struct v from p. A p shorter than v leaves the
// missing tail zero; bounds were checked by the caller.
func decode(p []byte, v any) error {
	full := make([]byte, binary.Size(v))
	copy(full, p)
	if err := binary.Read(bytes.NewReader(full), binary.LittleEndian, v); err != nil {
		return errors.Malformed("decoding %T", v).Wrap(err)
	}
	return nil
}

// array returns the count*width bytes at rva, checked against the file.
func array(buf buffer, m rvaMap, rva, count, width uint32) (buffer, error) {
	if count == 0 {
		return nil, nil
	}
	off, err := m.offset(rva)
	if err != nil {
		return nil, err
	}
	p, err := buf.span(off, uint64(count)*uint64(width))
	if err != nil {
		return nil, errors.Malformed("export array of %d entries at rva 0x%x extends past end of file", count, rva)
	}
	return buffer(p), nil
}
