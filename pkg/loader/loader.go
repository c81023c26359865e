package loader

// Symbol is what a library answers for a lookup: either a callable address
// or, for libraries served from a statically read export table, the raw
// forward chain the export points at.
type Symbol struct {
	Addr    uintptr
	Forward string
}

func (s Symbol) IsForward() bool { return s.Forward != "" }

// Library is a loaded library handle.
type Library interface {
	Name() string
	Lookup(name string) (Symbol, error)
	LookupOrdinal(ordinal uint32) (Symbol, error)
	// Close releases the handle. Addresses obtained from the library are
	// invalid afterwards.
	Close() error
}

// Loader maps a library by path or name.
type Loader interface {
	Load(path string) (Library, error)
}

// Func adapts a function to the Loader interface.
type Func func(path string) (Library, error)

func (f Func) Load(path string) (Library, error) { return f(path) }
