package wincall

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Arg converts a Go value into the machine word passed for it.
func Arg(arg interface{}) (uintptr, error) {
	if arg == nil {
		return 0, nil
	}
	// Fast path for common types to avoid reflect allocations
	switch v := arg.(type) {
	case uintptr:
		return v, nil
	case unsafe.Pointer:
		return uintptr(v), nil
	case *byte, *uint16, *uint32, *uint64, *int8, *int16, *int32, *int64, *int, *uint, *uintptr:
		return reflect.ValueOf(v).Pointer(), nil
	case int:
		return uintptr(v), nil
	case int8:
		return uintptr(int64(v)), nil
	case int16:
		return uintptr(int64(v)), nil
	case int32:
		return uintptr(int64(v)), nil
	case int64:
		return uintptr(v), nil
	case uint:
		return uintptr(v), nil
	case uint8:
		return uintptr(v), nil
	case uint16:
		return uintptr(v), nil
	case uint32:
		return uintptr(v), nil
	case uint64:
		return uintptr(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}

	// Fallback generic handling
	val := reflect.ValueOf(arg)
	switch val.Kind() {
	case reflect.Ptr, reflect.UnsafePointer:
		return val.Pointer(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uintptr(val.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return uintptr(val.Uint()), nil
	case reflect.Bool:
		if val.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot pass %T as a call argument", arg)
}

// Args converts every value with Arg.
func Args(args ...interface{}) ([]uintptr, error) {
	out := make([]uintptr, len(args))
	for i, a := range args {
		v, err := Arg(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
