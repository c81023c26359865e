package resolve

import (
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/carved4/go-dllproxy/pkg/errors"
	"github.com/carved4/go-dllproxy/pkg/exports"
	"github.com/carved4/go-dllproxy/pkg/loader"
	"github.com/carved4/go-dllproxy/pkg/wincall"
)

// State of a Module's symbol table.
type State uint32

const (
	Unresolved State = iota
	Resolving
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Invoker calls fn with args and returns both result registers.
type Invoker func(fn uintptr, args ...uintptr) (uintptr, uintptr, error)

type Option func(*Module)

// WithLoader replaces the native process loader.
func WithLoader(l loader.Loader) Option {
	return func(m *Module) { m.loader = l }
}

// WithInvoker replaces the native call-through used by trampolines.
func WithInvoker(inv Invoker) Option {
	return func(m *Module) { m.invoke = inv }
}

// attempt is one run of the load-and-resolve sequence. err is written
// before done is closed and only read after.
type attempt struct {
	done chan struct{}
	err  error
}

// Module forwards a fixed spec to a library loaded at runtime. Trampolines
// exist from construction; their targets become valid once Initialize
// succeeds.
type Module struct {
	path   string
	spec   exports.Spec
	loader loader.Loader
	invoke Invoker

	trampolines []*Trampoline
	byName      map[string]*Trampoline
	byOrdinal   map[uint32]*Trampoline

	state   atomic.Uint32
	table   atomic.Pointer[Table]
	current atomic.Pointer[attempt]
}

// NewModule creates a module forwarding spec to the library at path. The
// path is only opened by Initialize.
func NewModule(path string, spec exports.Spec, opts ...Option) (*Module, error) {
	if path == "" {
		return nil, errors.New(errors.InvalidSpec).Detailf("empty target path")
	}
	if len(spec) == 0 {
		return nil, errors.New(errors.InvalidSpec).Lib(path).Detailf("nothing to forward")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	m := &Module{
		path:      path,
		spec:      append(exports.Spec(nil), spec...),
		loader:    loader.Native(),
		invoke:    wincall.Call2,
		byName:    make(map[string]*Trampoline, len(spec)),
		byOrdinal: make(map[uint32]*Trampoline, len(spec)),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i, e := range m.spec {
		t := &Trampoline{module: m, index: i, entry: e}
		m.trampolines = append(m.trampolines, t)
		if e.Name != "" {
			m.byName[e.Name] = t
		}
		if e.Ordinal != 0 {
			m.byOrdinal[e.Ordinal] = t
		}
	}
	return m, nil
}

func (m *Module) Path() string { return m.path }

func (m *Module) State() State { return State(m.state.Load()) }

// ResolvedTable returns the published table once the module is Resolved.
func (m *Module) ResolvedTable() (*Table, bool) {
	t := m.table.Load()
	return t, t != nil
}

// Initialize loads the target library and resolves every spec entry. After
// success it is a no-op; after failure the next call retries from the load.
// Concurrent callers share one attempt and all see its result.
func (m *Module) Initialize() error {
	if m.State() == Resolved {
		return nil
	}
	for {
		cur := m.current.Load()
		if cur != nil {
			select {
			case <-cur.done:
				if cur.err == nil {
					return nil
				}
				// failed earlier, start over
			default:
				<-cur.done
				return cur.err
			}
		}
		next := &attempt{done: make(chan struct{})}
		if !m.current.CompareAndSwap(cur, next) {
			continue // another caller started an attempt first
		}
		m.run(next, cur != nil)
		return next.err
	}
}

func (m *Module) run(a *attempt, retry bool) {
	from := Unresolved
	if retry {
		from = Failed
	}
	if !m.state.CompareAndSwap(uint32(from), uint32(Resolving)) {
		panic(fmt.Sprintf("resolve: %s entered an attempt from state %s", m.path, m.State()))
	}
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			// waiters see a failed attempt; the caller still gets the panic
			a.err = errors.New(errors.LoadFailed).Lib(m.path).Detailf("panic while resolving: %v", r)
			m.state.CompareAndSwap(uint32(Resolving), uint32(Failed))
			Logger().Error("target library resolution panicked", zap.String("path", m.path), zap.Any("panic", r))
			panic(r)
		}
	}()

	t, err := m.resolve()
	if err != nil {
		a.err = err
		m.state.CompareAndSwap(uint32(Resolving), uint32(Failed))
		Logger().Warn("target library not resolved", zap.String("path", m.path), zap.Error(err))
	} else {
		m.table.Store(t)
		m.state.CompareAndSwap(uint32(Resolving), uint32(Resolved))
		Logger().Info("target library resolved",
			zap.String("path", m.path),
			zap.Int("symbols", t.Len()),
			zap.Int("libraries", len(t.libraries)))
	}
}

func (m *Module) resolve() (*Table, error) {
	log := Logger().With(zap.String("path", m.path))
	log.Debug("loading target library")

	w := newWalker(m.loader)
	published := false
	defer func() {
		// failed or panicked attempts release what they opened
		if !published {
			w.closeAll()
		}
	}()
	lib, err := w.load(m.path)
	if err != nil {
		return nil, err
	}
	addrs := make([]uintptr, len(m.spec))
	for i, e := range m.spec {
		hops, err := w.walk(lib, e.Label())
		if err != nil {
			return nil, err
		}
		last := hops[len(hops)-1]
		addrs[i] = last.Addr
		if len(hops) > 1 {
			log.Debug("followed forward chain",
				zap.String("symbol", e.Label()),
				zap.String("chain", chainString(hops)))
		}
	}
	published = true
	return newTable(w.opened, m.spec, addrs), nil
}

// Trampolines returns one trampoline per spec entry, in spec order.
func (m *Module) Trampolines() []*Trampoline {
	out := make([]*Trampoline, len(m.trampolines))
	copy(out, m.trampolines)
	return out
}

func (m *Module) Trampoline(name string) (*Trampoline, bool) {
	t, ok := m.byName[name]
	return t, ok
}

// TrampolineByOrdinal finds the trampoline of a spec entry with an explicit
// ordinal.
func (m *Module) TrampolineByOrdinal(ordinal uint32) (*Trampoline, bool) {
	t, ok := m.byOrdinal[ordinal]
	return t, ok
}

// Attach reasons passed to a library's entry point.
const (
	ProcessDetach uint32 = 0
	ProcessAttach uint32 = 1
	ThreadAttach  uint32 = 2
	ThreadDetach  uint32 = 3
)

// Attach is the body of a module-attach handler: on ProcessAttach it
// initializes m and reports whether the module may stay loaded. Other
// reasons need no work.
func Attach(m *Module, reason uint32) bool {
	if reason != ProcessAttach {
		return true
	}
	if err := m.Initialize(); err != nil {
		Logger().Error("process attach failed", zap.String("path", m.path), zap.Error(err))
		return false
	}
	return true
}
