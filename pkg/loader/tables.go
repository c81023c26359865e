package loader

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/image"
)

// tableLibrary serves lookups from an export table. Addresses are the
// table's preferred image base plus the export RVA.
type tableLibrary struct {
	name  string
	table *exports.Table
}

func (l *tableLibrary) Name() string { return l.name }

func (l *tableLibrary) Lookup(name string) (Symbol, error) {
	e, ok := l.table.ByName(name)
	if !ok {
		return Symbol{}, errors.New(errors.SymbolNotFound).Lib(l.name).Sym(name)
	}
	return l.symbol(e)
}

func (l *tableLibrary) LookupOrdinal(ordinal uint32) (Symbol, error) {
	e, ok := l.table.ByOrdinal(ordinal)
	if !ok {
		return Symbol{}, errors.New(errors.SymbolNotFound).Lib(l.name).Sym(exports.Entry{Ordinal: ordinal}.Label())
	}
	return l.symbol(e)
}

func (l *tableLibrary) symbol(e exports.Entry) (Symbol, error) {
	switch {
	case e.Target.IsForward():
		return Symbol{Forward: e.Target.Forward}, nil
	case e.Target.IsUnused():
		return Symbol{}, errors.New(errors.SymbolNotFound).Lib(l.name).Sym(e.Label()).Detailf("unused export slot")
	}
	return Symbol{Addr: uintptr(l.table.ImageBase + uint64(e.Target.RVA))}, nil
}

func (l *tableLibrary) Close() error { return nil }

// FromTables serves libraries from already read export tables, keyed by
// library name ("target", "target.dll" and "TARGET.DLL" are the same key).
func FromTables(tables map[string]*exports.Table) Loader {
	byKey := make(map[string]*exports.Table, len(tables))
	for name, t := range tables {
		byKey[exports.LibraryKey(name)] = t
	}
	return Func(func(path string) (Library, error) {
		t, ok := byKey[exports.LibraryKey(path)]
		if !ok {
			return nil, errors.New(errors.LoadFailed).Lib(path).Detailf("no export table registered")
		}
		return &tableLibrary{name: path, table: t}, nil
	})
}

// ImageLoader reads library images from disk and serves their export
// tables. Paths with a directory are read as given; bare names are looked
// up in Dirs. Tables are cached per resolved file.
type ImageLoader struct {
	Dirs []string

	mu    sync.Mutex
	cache map[string]*exports.Table
}

// Images returns an ImageLoader searching dirs in order.
func Images(dirs ...string) *ImageLoader {
	return &ImageLoader{Dirs: dirs}
}

func (l *ImageLoader) Load(path string) (Library, error) {
	file, err := l.find(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	t, ok := l.cache[file]
	l.mu.Unlock()
	if !ok {
		if t, err = image.ReadFile(file); err != nil {
			return nil, errors.New(errors.LoadFailed).Lib(path).Wrap(err)
		}
		l.mu.Lock()
		if l.cache == nil {
			l.cache = make(map[string]*exports.Table)
		}
		l.cache[file] = t
		l.mu.Unlock()
	}
	return &tableLibrary{name: path, table: t}, nil
}

func (l *ImageLoader) find(path string) (string, error) {
	if strings.ContainsAny(path, `/\`) {
		if isFile(path) {
			return path, nil
		}
		return "", errors.New(errors.LoadFailed).Lib(path).Detailf("file not found")
	}
	candidates := []string{path}
	if !strings.Contains(path, ".") {
		candidates = append(candidates, path+".dll")
	}
	for _, dir := range l.Dirs {
		for _, c := range candidates {
			if p := filepath.Join(dir, c); isFile(p) {
				return p, nil
			}
		}
		// case-insensitive fallback, loader names are not case-sensitive
		ents, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range ents {
			for _, c := range candidates {
				if !ent.IsDir() && strings.EqualFold(ent.Name(), c) {
					return filepath.Join(dir, ent.Name()), nil
				}
			}
		}
	}
	return "", errors.New(errors.LoadFailed).Lib(path).Detailf("not found in %d search directories", len(l.Dirs))
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
