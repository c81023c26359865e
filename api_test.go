package dllproxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/generate"
	"github.com/carved4/go-dllproxy/pkg/image"
	"github.com/carved4/go-dllproxy/pkg/loader"
	"github.com/carved4/go-dllproxy/pkg/resolve"
)

func writeTarget(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	data, err := BuildImage(image.ImageSpec{Name: "target.dll", Machine: image.MachineAMD64, Entries: []Entry{
		{Ordinal: 1, Name: "Foo"},
		{Ordinal: 2, Name: "Bar"},
		{Ordinal: 3},
	}})
	require.NoError(t, err)
	path := filepath.Join(dir, "target.dll")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return dir, path
}

func TestForwardAll(t *testing.T) {
	_, path := writeTarget(t)
	decls, err := ForwardAll(path)
	require.NoError(t, err)
	assert.Equal(t, []Declaration{
		{Name: "Foo", Ordinal: 1, Target: "target.dll.Foo"},
		{Name: "Bar", Ordinal: 2, Target: "target.dll.Bar"},
	}, decls)

	_, err = ForwardAll(filepath.Join(t.TempDir(), "none.dll"))
	require.ErrorIs(t, err, errors.ErrMalformedImage)
}

func TestGenerateStaticScenario(t *testing.T) {
	_, path := writeTarget(t)
	table, err := ReadExports(path)
	require.NoError(t, err)

	decls, err := GenerateStatic(table, Spec{{Ordinal: 1, Name: "Foo"}}, generate.Options{TargetPath: path})
	require.NoError(t, err)
	require.Len(t, decls, 1)
	assert.Equal(t, "target.dll.Foo", decls[0].Target)

	_, err = GenerateStatic(table, Spec{{Ordinal: 3, Name: "Baz"}}, generate.Options{TargetPath: path})
	require.ErrorIs(t, err, errors.ErrUnknownExport)
}

func TestProxy(t *testing.T) {
	dir, path := writeTarget(t)
	m, err := Proxy(path, path, resolve.WithLoader(loader.Images(dir)))
	require.NoError(t, err)
	assert.Len(t, m.Trampolines(), 3)
	assert.True(t, Attach(m, resolve.ProcessAttach))

	table, ok := m.ResolvedTable()
	require.True(t, ok)
	assert.Equal(t, 3, table.Len())

	missing, err := Proxy(path, filepath.Join(dir, "gone.dll"), resolve.WithLoader(loader.Images(dir)))
	require.NoError(t, err)
	assert.False(t, Attach(missing, resolve.ProcessAttach))
	assert.Equal(t, resolve.Failed, missing.State())
}

func TestFollowThroughImages(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, entries []exports.Entry) {
		data, err := BuildImage(image.ImageSpec{Name: name, Machine: image.MachineAMD64, Entries: entries})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	write("front.dll", []exports.Entry{{Ordinal: 1, Name: "Fn", Target: exports.Forward("back.Impl")}})
	write("back.dll", []exports.Entry{{Ordinal: 1, Name: "Impl"}})

	hops, err := Follow(loader.Images(dir), "front.dll", "Fn")
	require.NoError(t, err)
	require.Len(t, hops, 2)
	assert.Equal(t, "back", hops[1].Library)
	assert.NotZero(t, hops[1].Addr)
}
