//go:build darwin || freebsd || linux || netbsd || windows

package wincall

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// MaxArgs is the most arguments a single call can pass.
const MaxArgs = 15

// Call invokes the function at fn with the platform C calling convention and
// returns its integer result register.
func Call(fn uintptr, args ...uintptr) (uintptr, error) {
	r1, _, err := Call2(fn, args...)
	return r1, err
}

// Call2 is Call returning both result registers, for functions returning a
// value wider than a word (EDX:EAX on 386).
func Call2(fn uintptr, args ...uintptr) (uintptr, uintptr, error) {
	if fn == 0 {
		return 0, 0, fmt.Errorf("call through nil function pointer")
	}
	if len(args) > MaxArgs {
		return 0, 0, fmt.Errorf("too many arguments: %d (max %d)", len(args), MaxArgs)
	}
	r1, r2, _ := purego.SyscallN(fn, args...)
	return r1, r2, nil
}
