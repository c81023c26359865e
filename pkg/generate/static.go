package generate

import (
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
)

// Options controls how forward targets are spelled.
type Options struct {
	// TargetPath is the target library as read at generation time. Only its
	// file name ends up in forward strings.
	TargetPath string
	// ForwardName overrides the library part of every forward string.
	ForwardName string
	// TrimExtension drops a ".dll" suffix from the library part.
	TrimExtension bool
}

// ForwardLibrary is the library part of the generated forward strings.
func (o Options) ForwardLibrary() (string, error) {
	name := o.ForwardName
	if name == "" {
		name = o.TargetPath
		if i := strings.LastIndexAny(name, `/\`); i >= 0 {
			name = name[i+1:]
		}
	}
	if o.TrimExtension {
		name = exports.TrimDLL(name)
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", errors.New(errors.InvalidSpec).Detailf("no usable forward library name in %q", o.TargetPath)
	}
	return name, nil
}

// Declaration is one generated export: Name/Ordinal in the generated library
// forwarding to Target ("target.dll.Foo").
type Declaration struct {
	Name    string
	Ordinal uint32
	Target  string
}

// Static maps every spec entry to a forwarding declaration. The forwarding
// string needs a textual symbol, so source entries without a name fail with
// OrdinalOnlyExport. All problems are reported together; on error no
// declarations are returned.
func Static(table *exports.Table, spec exports.Spec, opts Options) ([]Declaration, error) {
	lib, err := opts.ForwardLibrary()
	if err != nil {
		return nil, err
	}
	bindings, err := spec.Bind(table)
	if err != nil {
		return nil, err
	}

	var merr *multierror.Error
	decls := make([]Declaration, 0, len(bindings))
	used := make(map[uint32]string, len(bindings))
	for _, b := range bindings {
		if !b.Source.HasName() {
			merr = multierror.Append(merr, errors.New(errors.OrdinalOnlyExport).Lib(table.Library).Sym(b.Source.Label()).
				Detailf("static forwarding needs a named export; use the dynamic resolver"))
			continue
		}
		d := Declaration{
			Name:    b.Source.Name,
			Ordinal: b.Spec.Ordinal,
			Target:  lib + "." + b.Source.Name,
		}
		if d.Ordinal == 0 {
			d.Ordinal = b.Source.Ordinal
		}
		if other, dup := used[d.Ordinal]; dup {
			merr = multierror.Append(merr, errors.New(errors.InvalidSpec).Sym(d.Name).
				Detailf("ordinal %d already assigned to %s", d.Ordinal, other))
			continue
		}
		used[d.Ordinal] = d.Name
		decls = append(decls, d)
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	Logger().Debug("static forwards generated",
		zap.String("forward_library", lib),
		zap.Int("declarations", len(decls)),
		zap.Int("source_exports", table.Len()))
	return decls, nil
}
