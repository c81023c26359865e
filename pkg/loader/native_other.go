//go:build !windows && !darwin && !freebsd && !linux && !netbsd

package loader

import (
	"runtime"

	"github.com/carved4/go-dllproxy/pkg/errors"
)

// Native returns a loader that always fails on this platform.
func Native() Loader {
	return Func(func(path string) (Library, error) {
		return nil, errors.New(errors.LoadFailed).Lib(path).Detailf("no native loader for %s", runtime.GOOS)
	})
}
