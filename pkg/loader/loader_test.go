package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/image"
)

var lib = fn.Panic1(exports.NewTable(exports.Header{Library: "lib.dll", Base: 1, ImageBase: 0x10000000}, []exports.Entry{
	{Ordinal: 1, Name: "A", Target: exports.Address(0x1000)},
	{Ordinal: 2, Target: exports.Address(0x2000)},
	{Ordinal: 3, Name: "B", Target: exports.Forward("other.C")},
}))

func TestFromTables(t *testing.T) {
	l := FromTables(map[string]*exports.Table{"Lib.dll": lib})

	for _, name := range []string{"lib", "LIB.DLL", `C:\x\lib.dll`} {
		h, err := l.Load(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, h.Name())
	}

	h := fn.Panic1(l.Load("lib"))
	s, err := h.Lookup("A")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10001000), s.Addr)
	assert.False(t, s.IsForward())

	s, err = h.LookupOrdinal(2)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10002000), s.Addr)

	s, err = h.Lookup("B")
	require.NoError(t, err)
	assert.True(t, s.IsForward())
	assert.Equal(t, "other.C", s.Forward)

	_, err = h.Lookup("Missing")
	require.ErrorIs(t, err, errors.ErrSymbolNotFound)
	_, err = h.LookupOrdinal(9)
	require.ErrorIs(t, err, errors.ErrSymbolNotFound)
	assert.NoError(t, h.Close())

	_, err = l.Load("other")
	require.ErrorIs(t, err, errors.ErrLoadFailed)
}

func TestFromTablesUnusedSlot(t *testing.T) {
	gapped := fn.Panic1(exports.NewTable(exports.Header{Library: "gapped.dll", Base: 1}, []exports.Entry{
		{Ordinal: 1, Name: "A", Target: exports.Address(0x1000)},
		{Ordinal: 2},
	}))
	h := fn.Panic1(FromTables(map[string]*exports.Table{"gapped": gapped}).Load("gapped"))
	_, err := h.LookupOrdinal(2)
	require.ErrorIs(t, err, errors.ErrSymbolNotFound)
}

func writeImage(t *testing.T, dir, file string, entries []exports.Entry) string {
	t.Helper()
	data, err := image.Build(image.ImageSpec{Name: file, Machine: image.MachineAMD64, Entries: entries})
	require.NoError(t, err)
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestImages(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, "Target.dll", []exports.Entry{
		{Ordinal: 1, Name: "Foo"},
		{Ordinal: 2, Name: "Bar", Target: exports.Forward("other.Bar")},
	})
	want := fn.Panic1(image.ReadFile(path))
	foo, _ := want.ByName("Foo")

	l := Images(dir)
	for _, name := range []string{"Target.dll", "target", "TARGET.DLL", path} {
		h, err := l.Load(name)
		require.NoError(t, err, name)
		s, err := h.Lookup("Foo")
		require.NoError(t, err)
		assert.Equal(t, uintptr(want.ImageBase+uint64(foo.Target.RVA)), s.Addr)
	}

	h := fn.Panic1(l.Load("target"))
	s, err := h.Lookup("Bar")
	require.NoError(t, err)
	assert.Equal(t, "other.Bar", s.Forward)

	_, err = l.Load("missing")
	require.ErrorIs(t, err, errors.ErrLoadFailed)
	_, err = l.Load(filepath.Join(dir, "missing.dll"))
	require.ErrorIs(t, err, errors.ErrLoadFailed)
}

func TestImagesMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.dll"), []byte("not a library"), 0o644))
	_, err := Images(dir).Load("junk.dll")
	require.ErrorIs(t, err, errors.ErrLoadFailed)
	assert.ErrorIs(t, err, errors.ErrMalformedImage)
}

func TestNativeMissingFile(t *testing.T) {
	_, err := Native().Load(filepath.Join(t.TempDir(), "does-not-exist.dll"))
	require.ErrorIs(t, err, errors.ErrLoadFailed)
}
