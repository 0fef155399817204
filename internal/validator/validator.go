package validator

import (
	"fmt"
	"reflect"
)

// Validate reports an error naming component if any dep is nil or the zero
// value of its type. Positional indices make the missing dep easy to find.
func Validate(component string, deps ...any) error {
	for i, dep := range deps {
		if missing(dep) {
			return fmt.Errorf("missing required dep %d for component: %s", i, component)
		}
	}

	return nil
}

func missing(dep any) bool {
	if dep == nil {
		return true
	}

	v := reflect.ValueOf(dep)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return v.IsZero()
	}
}
