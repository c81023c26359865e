package resolve

import (
	"strings"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/loader"
)

// Hop is one step of a forward chain walk.
type Hop struct {
	Library string
	Symbol  string
	Addr    uintptr
	Forward string
}

// walker looks symbols up through a loader and follows forward chains. It
// remembers every library it opened so a failed attempt can close them.
type walker struct {
	loader loader.Loader
	libs   map[string]loader.Library
	opened []loader.Library
}

func newWalker(l loader.Loader) *walker {
	return &walker{loader: l, libs: make(map[string]loader.Library)}
}

func (w *walker) load(name string) (loader.Library, error) {
	key := exports.LibraryKey(name)
	if lib, ok := w.libs[key]; ok {
		return lib, nil
	}
	lib, err := w.loader.Load(name)
	if err != nil {
		if !errors.IsCode(err, errors.LoadFailed) {
			err = errors.New(errors.LoadFailed).Lib(name).Wrap(err)
		}
		return nil, err
	}
	w.libs[key] = lib
	w.opened = append(w.opened, lib)
	return lib, nil
}

func lookup(lib loader.Library, symbol string) (loader.Symbol, error) {
	var (
		sym loader.Symbol
		err error
	)
	if ord, ok := exports.ParseOrdinal(symbol); ok {
		sym, err = lib.LookupOrdinal(ord)
	} else {
		sym, err = lib.Lookup(symbol)
	}
	if err != nil {
		if !errors.IsCode(err, errors.SymbolNotFound) {
			err = errors.New(errors.SymbolNotFound).Lib(lib.Name()).Sym(symbol).Wrap(err)
		}
		return loader.Symbol{}, err
	}
	return sym, nil
}

// walk resolves symbol ("Name" or "#N") in lib, following forward chains
// until a direct address is reached. The loop is bounded by the visited set:
// a chain that comes back to a (library, symbol) pair is circular.
func (w *walker) walk(lib loader.Library, symbol string) ([]Hop, error) {
	sym, err := lookup(lib, symbol)
	if err != nil {
		return nil, err
	}
	hops := []Hop{{Library: lib.Name(), Symbol: symbol, Addr: sym.Addr, Forward: sym.Forward}}
	visited := map[string]struct{}{exports.Key(lib.Name(), symbol): {}}

	for sym.IsForward() {
		ref, err := exports.ParseForward(sym.Forward)
		if err != nil {
			return hops, err
		}
		if _, seen := visited[ref.Key()]; seen {
			return hops, errors.New(errors.CircularForwardChain).Lib(ref.Library).Sym(ref.Symbol).
				Detailf("%s -> %s", chainString(hops), ref)
		}
		visited[ref.Key()] = struct{}{}

		next, err := w.load(ref.Library)
		if err != nil {
			return hops, err
		}
		if sym, err = lookup(next, ref.Symbol); err != nil {
			return hops, err
		}
		hops = append(hops, Hop{Library: ref.Library, Symbol: ref.Symbol, Addr: sym.Addr, Forward: sym.Forward})
	}
	return hops, nil
}

func (w *walker) closeAll() {
	for _, lib := range w.opened {
		_ = lib.Close()
	}
	w.opened = nil
	w.libs = make(map[string]loader.Library)
}

func chainString(hops []Hop) string {
	parts := make([]string, len(hops))
	for i, h := range hops {
		parts[i] = h.Library + "." + h.Symbol
	}
	return strings.Join(parts, " -> ")
}

// Follow walks the forward chain of library!symbol through l and returns
// every hop, the last one holding the final address. Libraries it opens are
// closed before it returns.
func Follow(l loader.Loader, library, symbol string) ([]Hop, error) {
	w := newWalker(l)
	defer w.closeAll()
	lib, err := w.load(library)
	if err != nil {
		return nil, err
	}
	return w.walk(lib, symbol)
}
