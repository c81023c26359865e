package resolve

import (
	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/loader"
)

// Table is the resolved symbol table of a Module. It is published once and
// never modified; the libraries it references are never closed.
type Table struct {
	library   loader.Library
	libraries []loader.Library
	spec      exports.Spec
	addrs     []uintptr
	byName    map[string]int
	byOrdinal map[uint32]int
}

func newTable(libraries []loader.Library, spec exports.Spec, addrs []uintptr) *Table {
	t := &Table{
		library:   libraries[0],
		libraries: libraries,
		spec:      spec,
		addrs:     addrs,
		byName:    make(map[string]int, len(spec)),
		byOrdinal: make(map[uint32]int, len(spec)),
	}
	for i, e := range spec {
		if e.Name != "" {
			t.byName[e.Name] = i
		}
		if e.Ordinal != 0 {
			t.byOrdinal[e.Ordinal] = i
		}
	}
	return t
}

func (t *Table) Len() int { return len(t.addrs) }

// Addr returns the address resolved for the i-th spec entry.
func (t *Table) Addr(i int) uintptr { return t.addrs[i] }

func (t *Table) Lookup(name string) (uintptr, bool) {
	i, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	return t.addrs[i], true
}

func (t *Table) LookupOrdinal(ordinal uint32) (uintptr, bool) {
	i, ok := t.byOrdinal[ordinal]
	if !ok {
		return 0, false
	}
	return t.addrs[i], true
}

// Library is the handle of the target library.
func (t *Table) Library() loader.Library { return t.library }

// Libraries lists the target followed by every library reached through a
// forward chain.
func (t *Table) Libraries() []loader.Library {
	out := make([]loader.Library, len(t.libraries))
	copy(out, t.libraries)
	return out
}
