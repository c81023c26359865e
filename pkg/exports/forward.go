package exports

import (
	"strconv"
	"strings"

	"github.com/carved4/go-dllproxy/pkg/errors"
)

// ForwardRef is a parsed forward chain. Library is kept exactly as written,
// so "target.dll.Foo" and "target.Foo" name the library differently.
type ForwardRef struct {
	Library   string
	Symbol    string
	Ordinal   uint32
	ByOrdinal bool
}

// ParseForward splits a forward chain at its last '.'. Library file names may
// contain dots, export names do not. "Lib.#12" forwards by ordinal.
func ParseForward(chain string) (ForwardRef, error) {
	i := strings.LastIndexByte(chain, '.')
	if i <= 0 || i == len(chain)-1 {
		return ForwardRef{}, errors.Malformed("forward chain %q has no library/symbol separator", chain)
	}
	ref := ForwardRef{Library: chain[:i], Symbol: chain[i+1:]}
	if strings.HasPrefix(ref.Symbol, "#") {
		n, ok := ParseOrdinal(ref.Symbol)
		if !ok {
			return ForwardRef{}, errors.Malformed("forward chain %q has invalid ordinal", chain)
		}
		ref.Ordinal = n
		ref.ByOrdinal = true
	}
	return ref, nil
}

// ParseOrdinal parses the "#N" symbol form.
func ParseOrdinal(symbol string) (uint32, bool) {
	if !strings.HasPrefix(symbol, "#") {
		return 0, false
	}
	n, err := strconv.ParseUint(symbol[1:], 10, 16)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint32(n), true
}

func (r ForwardRef) String() string {
	return r.Library + "." + r.Symbol
}

// Key identifies a (library, symbol) pair for cycle detection. Library names
// compare case-insensitively the way the loader matches them.
func (r ForwardRef) Key() string {
	return Key(r.Library, r.Symbol)
}

// Key normalizes a library path and symbol into a cycle-detection key:
// directory and ".dll" suffix dropped, library lower-cased.
func Key(library, symbol string) string {
	return LibraryKey(library) + "!" + symbol
}

// LibraryKey is the loader's view of a library name: no directory, no
// ".dll" suffix, lower case.
func LibraryKey(library string) string {
	if i := strings.LastIndexAny(library, `/\`); i >= 0 {
		library = library[i+1:]
	}
	return strings.ToLower(TrimDLL(library))
}

// TrimDLL drops a trailing ".dll" in any case.
func TrimDLL(name string) string {
	if len(name) > 4 && strings.EqualFold(name[len(name)-4:], ".dll") {
		return name[:len(name)-4]
	}
	return name
}
