package exports

import (
	"github.com/hashicorp/go-multierror"

	"github.com/carved4/go-dllproxy/pkg/errors"
)

// SpecEntry is one export the generated library re-exports. A zero Ordinal
// means "keep the source ordinal"; an empty Name means lookup by ordinal.
type SpecEntry struct {
	Ordinal uint32 `yaml:"ordinal,omitempty" json:"ordinal,omitempty"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
}

func (s SpecEntry) Label() string {
	return Entry{Ordinal: s.Ordinal, Name: s.Name}.Label()
}

// Spec is the ordered list of exports a generated library forwards.
type Spec []SpecEntry

// Binding pairs a spec entry with the source entry it refers to.
type Binding struct {
	Spec   SpecEntry
	Source Entry
}

// Validate reports every entry that names nothing, and every duplicated name
// or explicit ordinal.
func (s Spec) Validate() error {
	var merr *multierror.Error
	names := make(map[string]struct{}, len(s))
	ordinals := make(map[uint32]struct{}, len(s))
	for i, e := range s {
		if e.Name == "" && e.Ordinal == 0 {
			merr = multierror.Append(merr, errors.New(errors.InvalidSpec).Detailf("entry %d has neither name nor ordinal", i))
			continue
		}
		if e.Name != "" {
			if _, dup := names[e.Name]; dup {
				merr = multierror.Append(merr, errors.New(errors.InvalidSpec).Sym(e.Name).Detailf("duplicate name"))
			}
			names[e.Name] = struct{}{}
		}
		if e.Ordinal != 0 {
			if _, dup := ordinals[e.Ordinal]; dup {
				merr = multierror.Append(merr, errors.New(errors.InvalidSpec).Sym(e.Label()).Detailf("duplicate ordinal %d", e.Ordinal))
			}
			ordinals[e.Ordinal] = struct{}{}
		}
	}
	return merr.ErrorOrNil()
}

// Bind looks every entry up in t: by name when one is given, by ordinal
// otherwise. Every miss, unused slots included, is an UnknownExport; no
// partial result is returned.
func (s Spec) Bind(t *Table) ([]Binding, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var merr *multierror.Error
	out := make([]Binding, 0, len(s))
	for _, e := range s {
		var (
			src Entry
			ok  bool
		)
		if e.Name != "" {
			src, ok = t.ByName(e.Name)
		} else {
			src, ok = t.ByOrdinal(e.Ordinal)
		}
		if !ok {
			merr = multierror.Append(merr, errors.New(errors.UnknownExport).Lib(t.Library).Sym(e.Label()))
			continue
		}
		if src.Target.IsUnused() {
			merr = multierror.Append(merr, errors.New(errors.UnknownExport).Lib(t.Library).Sym(e.Label()).
				Detailf("ordinal %d is an unused slot", src.Ordinal))
			continue
		}
		out = append(out, Binding{Spec: e, Source: src})
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}
