//go:build !darwin && !freebsd && !linux && !netbsd && !windows

package wincall

import (
	"fmt"
	"runtime"
)

const MaxArgs = 15

func Call(fn uintptr, args ...uintptr) (uintptr, error) {
	r1, _, err := Call2(fn, args...)
	return r1, err
}

func Call2(fn uintptr, args ...uintptr) (uintptr, uintptr, error) {
	return 0, 0, fmt.Errorf("native calls are not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}
