package resolve

import (
	"fmt"

	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/wincall"
)

// Trampoline calls through to one resolved export. Arguments and results are
// passed unchanged.
type Trampoline struct {
	module *Module
	index  int
	entry  exports.SpecEntry
}

func (t *Trampoline) Name() string { return t.entry.Name }

func (t *Trampoline) Ordinal() uint32 { return t.entry.Ordinal }

func (t *Trampoline) Label() string { return t.entry.Label() }

// Addr returns the resolved target address. Calling it before the module is
// Resolved is a programming error and panics.
func (t *Trampoline) Addr() uintptr {
	table := t.module.table.Load()
	if table == nil {
		panic(fmt.Sprintf("resolve: trampoline %s called while %s is %s", t.Label(), t.module.path, t.module.State()))
	}
	return table.addrs[t.index]
}

func (t *Trampoline) Call(args ...uintptr) (uintptr, error) {
	r1, _, err := t.module.invoke(t.Addr(), args...)
	return r1, err
}

// Call2 returns both result registers.
func (t *Trampoline) Call2(args ...uintptr) (uintptr, uintptr, error) {
	return t.module.invoke(t.Addr(), args...)
}

// CallArgs converts Go values with wincall.Args before calling.
func (t *Trampoline) CallArgs(args ...interface{}) (uintptr, error) {
	words, err := wincall.Args(args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", t.Label(), err)
	}
	return t.Call(words...)
}
