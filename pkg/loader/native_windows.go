//go:build windows

package loader

import (
	"path/filepath"

	"golang.org/x/sys/windows"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
)

type nativeLibrary struct {
	name   string
	handle windows.Handle
}

// Native returns the process loader. GetProcAddress follows forwarders
// itself, so native symbols never carry a forward chain.
func Native() Loader { return Func(loadNative) }

func loadNative(path string) (Library, error) {
	var flags uintptr
	if filepath.IsAbs(path) {
		// resolve the target's own dependencies next to it
		flags = windows.LOAD_WITH_ALTERED_SEARCH_PATH
	}
	h, err := windows.LoadLibraryEx(path, 0, flags)
	if err != nil {
		return nil, errors.New(errors.LoadFailed).Lib(path).Wrap(err)
	}
	return &nativeLibrary{name: path, handle: h}, nil
}

func (l *nativeLibrary) Name() string { return l.name }

func (l *nativeLibrary) Lookup(name string) (Symbol, error) {
	addr, err := windows.GetProcAddress(l.handle, name)
	if err != nil {
		return Symbol{}, errors.New(errors.SymbolNotFound).Lib(l.name).Sym(name).Wrap(err)
	}
	return Symbol{Addr: addr}, nil
}

func (l *nativeLibrary) LookupOrdinal(ordinal uint32) (Symbol, error) {
	addr, err := windows.GetProcAddressByOrdinal(l.handle, uintptr(ordinal))
	if err != nil {
		return Symbol{}, errors.New(errors.SymbolNotFound).Lib(l.name).Sym(exports.Entry{Ordinal: ordinal}.Label()).Wrap(err)
	}
	return Symbol{Addr: addr}, nil
}

func (l *nativeLibrary) Close() error {
	return windows.FreeLibrary(l.handle)
}
