package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Binject/debug/pe"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
)

// COFF machine types Build can target.
const (
	MachineI386  uint16 = 0x014c
	MachineAMD64 uint16 = 0x8664
	MachineARM64 uint16 = 0xaa64
)

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x1000

	fileExecutableImage   = 0x0002
	fileLargeAddressAware = 0x0020
	file32BitMachine      = 0x0100
	fileDLL               = 0x2000

	dllHighEntropyVA = 0x0020
	dllDynamicBase   = 0x0040
	dllNXCompat      = 0x0100

	scnCode        = 0x00000020
	scnInitialized = 0x00000040
	scnExecute     = 0x20000000
	scnRead        = 0x40000000

	subsystemWindowsGUI = 2
)

// ParseMachine maps a GOARCH-style name to a COFF machine type.
func ParseMachine(name string) (uint16, error) {
	switch name {
	case "amd64", "x64", "x86_64":
		return MachineAMD64, nil
	case "386", "x86", "i386":
		return MachineI386, nil
	case "arm64", "aarch64":
		return MachineARM64, nil
	}
	return 0, fmt.Errorf("unsupported machine %q", name)
}

// MachineName is the inverse of ParseMachine.
func MachineName(m uint16) string {
	switch m {
	case MachineAMD64:
		return "amd64"
	case MachineI386:
		return "386"
	case MachineARM64:
		return "arm64"
	}
	return fmt.Sprintf("0x%04x", m)
}

// ImageSpec describes the library Build writes.
type ImageSpec struct {
	Name    string // recorded in the export directory
	Machine uint16
	// Forward entries become forwarder strings. Address entries get a stub
	// returning zero; their RVA field is ignored.
	Entries []exports.Entry
}

func stub(machine uint16) []byte {
	if machine == MachineARM64 {
		return []byte{0x00, 0x00, 0x80, 0x52, 0xc0, 0x03, 0x5f, 0xd6} // mov w0, #0; ret
	}
	return []byte{0x31, 0xc0, 0xc3, 0xcc} // xor eax, eax; ret; int3
}

// alignTo aligns a value to the given alignment
func alignTo(value, align uint32) uint32 {
	return (value + align - 1) & ^(align - 1)
}

// Build writes a minimal PE32/PE32+ DLL whose export directory carries
// spec.Entries. The image has no imports, relocations or entry point.
func Build(spec ImageSpec) ([]byte, error) {
	if len(spec.Entries) == 0 {
		return nil, errors.New(errors.InvalidSpec).Detailf("image has no exports")
	}
	is64 := false
	switch spec.Machine {
	case MachineAMD64, MachineARM64:
		is64 = true
	case MachineI386:
	default:
		return nil, errors.New(errors.InvalidSpec).Detailf("unsupported machine 0x%04x", spec.Machine)
	}

	base := spec.Entries[0].Ordinal
	for _, e := range spec.Entries {
		if e.Ordinal < base {
			base = e.Ordinal
		}
	}
	if base == 0 {
		return nil, errors.New(errors.InvalidSpec).Detailf("ordinal 0 is not a valid export ordinal")
	}
	// reuse the model's uniqueness and chain checks
	table, err := exports.NewTable(exports.Header{Library: spec.Name, Base: base, Machine: spec.Machine}, spec.Entries)
	if err != nil {
		return nil, err
	}
	entries := table.Entries()
	numFuncs := table.Slots
	if numFuncs > 0xFFFF {
		return nil, errors.New(errors.InvalidSpec).Detailf("ordinal range %d..%d too wide", base, base+numFuncs-1)
	}

	// .text: one stub per address export
	code := stub(spec.Machine)
	var text []byte
	textRVA := uint32(sectionAlignment)
	stubRVA := make(map[uint32]uint32)
	for _, e := range entries {
		if !e.Target.IsForward() {
			stubRVA[e.Ordinal] = textRVA + uint32(len(text))
			text = append(text, code...)
		}
	}
	edataRVA := textRVA
	if len(text) > 0 {
		edataRVA = textRVA + alignTo(uint32(len(text)), sectionAlignment)
	}

	edata := buildExportSection(edataRVA, spec.Name, base, numFuncs, entries, stubRVA)

	nsec := 1
	if len(text) > 0 {
		nsec = 2
	}
	optSize := binary.Size(pe.OptionalHeader32{})
	if is64 {
		optSize = binary.Size(pe.OptionalHeader64{})
	}
	headerSize := alignTo(uint32(dosHeaderSize+4+coffHeaderSize+optSize+nsec*binary.Size(pe.SectionHeader32{})), fileAlignment)

	textRaw := alignTo(uint32(len(text)), fileAlignment)
	edataRaw := alignTo(uint32(len(edata)), fileAlignment)
	textOff := headerSize
	edataOff := headerSize + textRaw
	sizeOfImage := edataRVA + alignTo(uint32(len(edata)), sectionAlignment)

	var buf bytes.Buffer

	// DOS header: only e_magic and e_lfanew matter to the loader
	dos := make([]byte, dosHeaderSize)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[lfanewOffset:], dosHeaderSize)
	buf.Write(dos)
	buf.WriteString(peSignature)

	characteristics := uint16(fileExecutableImage | fileDLL)
	if is64 {
		characteristics |= fileLargeAddressAware
	} else {
		characteristics |= file32BitMachine
	}
	write(&buf, pe.FileHeader{
		Machine:              spec.Machine,
		NumberOfSections:     uint16(nsec),
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      characteristics,
	})

	var dirs [numDataDirectory]pe.DataDirectory
	dirs[directoryExport] = pe.DataDirectory{VirtualAddress: edataRVA, Size: uint32(len(edata))}
	if is64 {
		write(&buf, pe.OptionalHeader64{
			Magic:                       magicPE32Plus,
			MajorLinkerVersion:          14,
			SizeOfCode:                  textRaw,
			SizeOfInitializedData:       edataRaw,
			BaseOfCode:                  textRVA,
			ImageBase:                   0x180000000,
			SectionAlignment:            sectionAlignment,
			FileAlignment:               fileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               headerSize,
			Subsystem:                   subsystemWindowsGUI,
			DllCharacteristics:          dllHighEntropyVA | dllDynamicBase | dllNXCompat,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         numDataDirectory,
			DataDirectory:               dirs,
		})
	} else {
		write(&buf, pe.OptionalHeader32{
			Magic:                       magicPE32,
			MajorLinkerVersion:          14,
			SizeOfCode:                  textRaw,
			SizeOfInitializedData:       edataRaw,
			BaseOfCode:                  textRVA,
			BaseOfData:                  edataRVA,
			ImageBase:                   0x10000000,
			SectionAlignment:            sectionAlignment,
			FileAlignment:               fileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               headerSize,
			Subsystem:                   subsystemWindowsGUI,
			DllCharacteristics:          dllDynamicBase | dllNXCompat,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         numDataDirectory,
			DataDirectory:               dirs,
		})
	}

	if len(text) > 0 {
		write(&buf, sectionHeader(".text", uint32(len(text)), textRVA, textRaw, textOff, scnCode|scnExecute|scnRead))
	}
	write(&buf, sectionHeader(".edata", uint32(len(edata)), edataRVA, edataRaw, edataOff, scnInitialized|scnRead))

	pad(&buf, headerSize)
	buf.Write(text)
	pad(&buf, headerSize+textRaw)
	buf.Write(edata)
	pad(&buf, edataOff+edataRaw)
	return buf.Bytes(), nil
}

// buildExportSection lays out, in order: the directory, the address table,
// the sorted name pointer table, the name ordinal table, then strings.
func buildExportSection(rva uint32, library string, base, numFuncs uint32, entries []exports.Entry, stubRVA map[uint32]uint32) []byte {
	named := make([]exports.Entry, 0, len(entries))
	for _, e := range entries {
		if e.HasName() {
			named = append(named, e)
		}
	}
	// the loader binary-searches names in ASCII order
	sort.Slice(named, func(i, j int) bool { return named[i].Name < named[j].Name })

	eatOff := uint32(exportDirSize)
	namesOff := eatOff + 4*numFuncs
	ordsOff := namesOff + 4*uint32(len(named))
	strOff := ordsOff + 2*uint32(len(named))

	var strs bytes.Buffer
	addString := func(s string) uint32 {
		at := rva + strOff + uint32(strs.Len())
		strs.WriteString(s)
		strs.WriteByte(0)
		return at
	}

	libRVA := addString(library)
	nameRVAs := make([]uint32, len(named))
	for i, e := range named {
		nameRVAs[i] = addString(e.Name)
	}
	eat := make([]uint32, numFuncs)
	for _, e := range entries {
		slot := e.Ordinal - base
		if e.Target.IsForward() {
			eat[slot] = addString(e.Target.Forward)
		} else {
			eat[slot] = stubRVA[e.Ordinal]
		}
	}

	out := make([]byte, strOff+uint32(strs.Len()))
	le := binary.LittleEndian
	le.PutUint32(out[edName:], libRVA)
	le.PutUint32(out[edBase:], base)
	le.PutUint32(out[edNumberOfFunctions:], numFuncs)
	le.PutUint32(out[edNumberOfNames:], uint32(len(named)))
	le.PutUint32(out[edAddressOfFunctions:], rva+eatOff)
	le.PutUint32(out[edAddressOfNames:], rva+namesOff)
	le.PutUint32(out[edAddressOfNameOrdinals:], rva+ordsOff)
	for i, v := range eat {
		le.PutUint32(out[eatOff+4*uint32(i):], v)
	}
	for i, e := range named {
		le.PutUint32(out[namesOff+4*uint32(i):], nameRVAs[i])
		le.PutUint16(out[ordsOff+2*uint32(i):], uint16(e.Ordinal-base))
	}
	copy(out[strOff:], strs.Bytes())
	return out
}

func sectionHeader(name string, vsize, rva, rawSize, rawOff, flags uint32) pe.SectionHeader32 {
	h := pe.SectionHeader32{
		VirtualSize:      vsize,
		VirtualAddress:   rva,
		SizeOfRawData:    rawSize,
		PointerToRawData: rawOff,
		Characteristics:  flags,
	}
	copy(h.Name[:], name)
	return h
}

func write(buf *bytes.Buffer, v any) {
	// bytes.Buffer writes cannot fail and every header type is fixed-size
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func pad(buf *bytes.Buffer, to uint32) {
	if n := int(to) - buf.Len(); n > 0 {
		buf.Write(make([]byte, n))
	}
}
