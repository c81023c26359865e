//go:build darwin || freebsd || linux || netbsd

package loader

import (
	"github.com/ebitengine/purego"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
)

type nativeLibrary struct {
	name   string
	handle uintptr
}

// Native returns the dlopen-based process loader.
func Native() Loader { return Func(loadNative) }

func loadNative(path string) (Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, errors.New(errors.LoadFailed).Lib(path).Wrap(err)
	}
	return &nativeLibrary{name: path, handle: h}, nil
}

func (l *nativeLibrary) Name() string { return l.name }

func (l *nativeLibrary) Lookup(name string) (Symbol, error) {
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return Symbol{}, errors.New(errors.SymbolNotFound).Lib(l.name).Sym(name).Wrap(err)
	}
	return Symbol{Addr: addr}, nil
}

// LookupOrdinal always fails: ELF and Mach-O have no export ordinals.
func (l *nativeLibrary) LookupOrdinal(ordinal uint32) (Symbol, error) {
	return Symbol{}, errors.New(errors.SymbolNotFound).Lib(l.name).Sym(exports.Entry{Ordinal: ordinal}.Label()).
		Detailf("dlsym cannot look up by ordinal")
}

func (l *nativeLibrary) Close() error {
	return purego.Dlclose(l.handle)
}
