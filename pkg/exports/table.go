package exports

import (
	"fmt"

	"github.com/carved4/go-dllproxy/pkg/errors"
)

// Target is either a direct entry point (RVA relative to the image base)
// or a forward chain naming another library's export.
type Target struct {
	RVA     uint32
	Forward string
}

// Address builds a direct entry point target.
func Address(rva uint32) Target { return Target{RVA: rva} }

// Forward builds a forward chain target, e.g. "NTDLL.RtlAllocateHeap".
func Forward(chain string) Target { return Target{Forward: chain} }

func (t Target) IsForward() bool { return t.Forward != "" }

// IsUnused reports a slot with neither an address nor a forward chain. The
// reader records such gaps so a table covers every declared ordinal.
func (t Target) IsUnused() bool { return t.Forward == "" && t.RVA == 0 }

func (t Target) String() string {
	if t.IsForward() {
		return "-> " + t.Forward
	}
	if t.IsUnused() {
		return "unused"
	}
	return fmt.Sprintf("0x%08x", t.RVA)
}

// Entry represents a single exported symbol from a PE image
type Entry struct {
	Ordinal uint32
	Name    string // empty for ordinal-only exports
	Target  Target
}

func (e Entry) HasName() bool { return e.Name != "" }

// Label is the name when present, "#ordinal" otherwise.
func (e Entry) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("#%d", e.Ordinal)
}

// Table is what a library exports. It is built once by NewTable and never
// modified afterwards.
type Table struct {
	Library   string
	Base      uint32
	Slots     uint32
	Machine   uint16
	ImageBase uint64

	entries   []Entry
	byOrdinal map[uint32]int
	byName    map[string]int
}

// Header carries the image facts recorded alongside the entries.
type Header struct {
	Library   string
	Base      uint32
	Slots     uint32
	Machine   uint16
	ImageBase uint64
}

// NewTable validates entries and builds the lookup indices. Duplicate
// ordinals or names, ordinals below the base, and unparsable forward
// chains are reported as MalformedImage.
func NewTable(h Header, entries []Entry) (*Table, error) {
	t := &Table{
		Library:   h.Library,
		Base:      h.Base,
		Slots:     h.Slots,
		Machine:   h.Machine,
		ImageBase: h.ImageBase,
		entries:   make([]Entry, len(entries)),
		byOrdinal: make(map[uint32]int, len(entries)),
		byName:    make(map[string]int, len(entries)),
	}
	copy(t.entries, entries)

	for i, e := range t.entries {
		if e.Ordinal < h.Base {
			return nil, errors.Malformed("ordinal %d below base %d", e.Ordinal, h.Base).Lib(h.Library)
		}
		if _, dup := t.byOrdinal[e.Ordinal]; dup {
			return nil, errors.Malformed("duplicate ordinal %d", e.Ordinal).Lib(h.Library)
		}
		t.byOrdinal[e.Ordinal] = i
		if e.Name != "" {
			if _, dup := t.byName[e.Name]; dup {
				return nil, errors.Malformed("duplicate export name").Lib(h.Library).Sym(e.Name)
			}
			t.byName[e.Name] = i
		}
		if e.Target.IsForward() {
			if _, err := ParseForward(e.Target.Forward); err != nil {
				return nil, err
			}
		}
	}
	if t.Slots == 0 && len(entries) > 0 {
		var max uint32
		for _, e := range t.entries {
			if e.Ordinal > max {
				max = e.Ordinal
			}
		}
		t.Slots = max - h.Base + 1
	}
	return t, nil
}

func (t *Table) Len() int { return len(t.entries) }

// Entries returns a copy of the entries in declaration order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Table) ByOrdinal(ordinal uint32) (Entry, bool) {
	i, ok := t.byOrdinal[ordinal]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

func (t *Table) ByName(name string) (Entry, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Spec forwards every used entry of the table, ordinal-only ones included.
func (t *Table) Spec() Spec {
	spec := make(Spec, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.Target.IsUnused() {
			spec = append(spec, SpecEntry{Ordinal: e.Ordinal, Name: e.Name})
		}
	}
	return spec
}

// NamedSpec forwards only the used entries that carry a name.
func (t *Table) NamedSpec() Spec {
	spec := make(Spec, 0, len(t.byName))
	for _, e := range t.entries {
		if e.Name != "" && !e.Target.IsUnused() {
			spec = append(spec, SpecEntry{Ordinal: e.Ordinal, Name: e.Name})
		}
	}
	return spec
}
