package image

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
)

var mixed = []exports.Entry{
	{Ordinal: 1, Name: "Foo", Target: exports.Address(0)},
	{Ordinal: 2, Name: "Bar", Target: exports.Address(0)},
	{Ordinal: 4, Name: "Fwd", Target: exports.Forward("other.Baz")},
	{Ordinal: 5, Target: exports.Forward("other.#3")},
}

// forwardOnly has no .text section, so the export section sits right after
// the headers at file offset 0x200, rva 0x1000.
var forwardOnly = []exports.Entry{
	{Ordinal: 1, Name: "Foo", Target: exports.Forward("target.dll.Foo")},
	{Ordinal: 2, Name: "Bar", Target: exports.Forward("target.dll.Bar")},
}

func build(t *testing.T, machine uint16, entries []exports.Entry) []byte {
	t.Helper()
	data, err := Build(ImageSpec{Name: "proxy.dll", Machine: machine, Entries: entries})
	require.NoError(t, err)
	return data
}

func TestRoundTripMixed(t *testing.T) {
	for _, machine := range []uint16{MachineAMD64, MachineI386, MachineARM64} {
		t.Run(MachineName(machine), func(t *testing.T) {
			table, err := Read(build(t, machine, mixed))
			require.NoError(t, err)

			assert.Equal(t, "proxy.dll", table.Library)
			assert.Equal(t, uint32(1), table.Base)
			assert.Equal(t, uint32(5), table.Slots)
			assert.Equal(t, machine, table.Machine)
			require.Equal(t, 5, table.Len(), spew.Sdump(table.Entries()))

			foo, ok := table.ByName("Foo")
			require.True(t, ok)
			assert.False(t, foo.Target.IsForward())
			assert.GreaterOrEqual(t, foo.Target.RVA, uint32(sectionAlignment))

			fwd, ok := table.ByOrdinal(4)
			require.True(t, ok)
			assert.Equal(t, "Fwd", fwd.Name)
			assert.Equal(t, "other.Baz", fwd.Target.Forward)

			anon, ok := table.ByOrdinal(5)
			require.True(t, ok)
			assert.False(t, anon.HasName())
			assert.Equal(t, "other.#3", anon.Target.Forward)

			gap, ok := table.ByOrdinal(3)
			require.True(t, ok, "every declared slot has an entry")
			assert.True(t, gap.Target.IsUnused())
			assert.False(t, gap.HasName())
			assert.Equal(t, exports.Spec{{Ordinal: 1, Name: "Foo"}, {Ordinal: 2, Name: "Bar"}, {Ordinal: 4, Name: "Fwd"}, {Ordinal: 5}}, table.Spec())
		})
	}
}

func TestImageBase(t *testing.T) {
	t64 := fn.Panic1(Read(build(t, MachineAMD64, mixed)))
	t32 := fn.Panic1(Read(build(t, MachineI386, mixed)))
	assert.Equal(t, uint64(0x180000000), t64.ImageBase)
	assert.Equal(t, uint64(0x10000000), t32.ImageBase)
}

func TestEntryCountMatchesDeclaredFunctions(t *testing.T) {
	var entries []exports.Entry
	for i := uint32(0); i < 40; i++ {
		e := exports.Entry{Ordinal: 10 + i, Name: "Fn" + string(rune('A'+i%26)) + string(rune('a'+i/26))}
		if i%3 == 0 {
			e.Target = exports.Forward("lib." + e.Name)
		}
		entries = append(entries, e)
	}
	table, err := Read(build(t, MachineAMD64, entries))
	require.NoError(t, err)
	assert.Equal(t, int(table.Slots), table.Len())
	for i, e := range table.Entries() {
		assert.Equal(t, table.Base+uint32(i), e.Ordinal)
		assert.Equal(t, i%3 == 0, e.Target.IsForward(), e.Label())
	}
}

func TestEntryCountWithGaps(t *testing.T) {
	table, err := Read(build(t, MachineAMD64, []exports.Entry{
		{Ordinal: 1, Name: "A", Target: exports.Forward("lib.A")},
		{Ordinal: 3, Name: "C"},
		{Ordinal: 6, Target: exports.Forward("lib.#9")},
	}))
	require.NoError(t, err)
	assert.Equal(t, uint32(6), table.Slots)
	require.Equal(t, int(table.Slots), table.Len())
	for i, e := range table.Entries() {
		assert.Equal(t, table.Base+uint32(i), e.Ordinal)
		assert.Equal(t, e.Ordinal == 2 || e.Ordinal == 4 || e.Ordinal == 5, e.Target.IsUnused(), e.Label())
	}
	assert.Len(t, table.Spec(), 3)
}

func TestReadARM64(t *testing.T) {
	table, err := Read(build(t, MachineARM64, forwardOnly))
	require.NoError(t, err)
	assert.Equal(t, MachineARM64, table.Machine)
	assert.Equal(t, uint64(0x180000000), table.ImageBase)
	foo, ok := table.ByName("Foo")
	require.True(t, ok)
	assert.Equal(t, "target.dll.Foo", foo.Target.Forward)
}

// The COFF symbol table is never read, so a huge declared string table
// costs nothing.
func TestReadIgnoresSymbolTable(t *testing.T) {
	le := binary.LittleEndian
	data := build(t, MachineAMD64, forwardOnly)
	symtab := uint32(len(data))
	data = append(data, make([]byte, 8)...)
	le.PutUint32(data[dosHeaderSize+4+8:], symtab) // PointerToSymbolTable
	le.PutUint32(data[dosHeaderSize+4+12:], 0)     // NumberOfSymbols
	le.PutUint32(data[symtab:], 0x40000000)        // string table length

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	table, err := Read(data)
	runtime.ReadMemStats(&after)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.dll")
	require.NoError(t, os.WriteFile(path, build(t, MachineAMD64, forwardOnly), 0o644))

	table, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.dll"))
	require.ErrorIs(t, err, errors.ErrMalformedImage)
}

func TestReadMalformed(t *testing.T) {
	le := binary.LittleEndian
	const (
		peOff        = dosHeaderSize
		coffSections = peOff + 4 + 2
		coffOptSize  = peOff + 4 + 16
		exportDD     = peOff + 4 + coffHeaderSize + 112 // PE32+ data directory 0
		edataOff     = 0x200
		edataRVA     = 0x1000
		dirOrdsAddr  = edataOff + edAddressOfNameOrdinals
	)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"truncated dos header", func(b []byte) []byte { return b[:32] }},
		{"bad mz", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"lfanew past end", func(b []byte) []byte { le.PutUint32(b[lfanewOffset:], 0xFFFFFF00); return b }},
		{"bad pe signature", func(b []byte) []byte { b[peOff] = 'X'; return b }},
		{"truncated headers", func(b []byte) []byte { return b[:peOff+10] }},
		{"no export directory", func(b []byte) []byte { le.PutUint32(b[exportDD:], 0); return b }},
		{"optional header past end", func(b []byte) []byte { le.PutUint16(b[coffOptSize:], 0xFFFF); return b }},
		{"optional header too small for directories", func(b []byte) []byte {
			le.PutUint16(b[coffOptSize:], optionalHeader64Size+8)
			return b
		}},
		{"section table past end", func(b []byte) []byte { le.PutUint16(b[coffSections:], 0xFFFF); return b }},
		{"bad optional header magic", func(b []byte) []byte { le.PutUint16(b[peOff+4+coffHeaderSize:], 0x107); return b }},
		{"directory past end of file", func(b []byte) []byte { le.PutUint32(b[exportDD+4:], 0x7FFF0000); return b }},
		{"directory rva unmapped", func(b []byte) []byte { le.PutUint32(b[exportDD:], 0x00F00000); return b }},
		{"name ordinal out of range", func(b []byte) []byte {
			ords := le.Uint32(b[dirOrdsAddr:]) - edataRVA + edataOff
			le.PutUint16(b[ords:], 0xFFFF)
			return b
		}},
		{"function count past end of file", func(b []byte) []byte {
			le.PutUint32(b[edataOff+edNumberOfFunctions:], 0xFFFF)
			return b
		}},
		{"unterminated forwarder", func(b []byte) []byte {
			size := le.Uint32(b[exportDD+4:])
			b[edataOff+size-1] = 'x'
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(build(t, MachineAMD64, forwardOnly))
			_, err := Read(data)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMalformedImage)
		})
	}
}

func TestBuildRejects(t *testing.T) {
	tests := []struct {
		name    string
		machine uint16
		entries []exports.Entry
	}{
		{"no entries", MachineAMD64, nil},
		{"bad machine", 0x1234, forwardOnly},
		{"zero ordinal", MachineAMD64, []exports.Entry{{Ordinal: 0, Name: "A", Target: exports.Forward("x.A")}}},
		{"duplicate name", MachineAMD64, []exports.Entry{
			{Ordinal: 1, Name: "A", Target: exports.Forward("x.A")},
			{Ordinal: 2, Name: "A", Target: exports.Forward("x.A")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(ImageSpec{Machine: tt.machine, Entries: tt.entries})
			require.Error(t, err)
		})
	}
}

func TestParseMachine(t *testing.T) {
	for _, name := range []string{"amd64", "386", "arm64"} {
		m, err := ParseMachine(name)
		require.NoError(t, err)
		assert.Equal(t, name, MachineName(m))
	}
	_, err := ParseMachine("mips")
	assert.Error(t, err)
}
