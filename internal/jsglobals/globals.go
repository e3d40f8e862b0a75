// Package jsglobals adapts common/globals/globals.go's reflection-based
// global autowiring from "bind per-HTTP-request values into JS handler
// globals" to "bind loader-scoped values (context, logger, goja runtime)
// into module globals": the Merge/Autowire mechanics are unchanged, only
// the set of values callers bind against differs.
package jsglobals

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/dop251/goja"
)

// Globals is a named set of values (plain data or functions) to expose to
// module code, before goja conversion.
type Globals map[string]any

// Values is the same shape as Globals; a function that returns Values
// (rather than a single bindable function) is treated as a factory to be
// invoked immediately once all of its leading arguments have been bound,
// producing a flat set of additional globals.
type Values map[string]any

var valuesType = reflect.TypeOf(Values{})
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Merge combines g with other, erroring if any key is present in both.
func (g Globals) Merge(other Globals) (Globals, error) {
	res := Globals{}
	for k, v := range g {
		res[k] = v
	}

	var errs []error
	for k, v := range other {
		if _, exists := res[k]; exists {
			errs = append(errs, fmt.Errorf("could not merge globals, %s is set in both", k))
			continue
		}
		res[k] = v
	}
	if len(errs) != 0 {
		return nil, errors.Join(errs...)
	}
	return res, nil
}

// Autowire binds each global function's leading arguments against vals by
// type, returning a Globals with every bindable function narrowed to its
// remaining arguments (or, for Values-returning factories with no
// remaining arguments, the already-invoked result spliced in flat).
func (g Globals) Autowire(vals ...any) (Globals, error) {
	res := Globals{}
	for k, v := range g {
		wired, err := autoWireFunction(v, vals...)
		if err != nil {
			return nil, fmt.Errorf("could not autowire %s: %w", k, err)
		}
		if values, ok := wired.(Values); ok {
			for vk, vv := range values {
				res[vk] = vv
			}
			continue
		}
		res[k] = wired
	}
	return res, nil
}

func autoWireFunction(v any, values ...any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func {
		return v, nil
	}

	t := rv.Type()
	argCount := t.NumIn()
	bound := []reflect.Value{}

outer:
	for i := 0; i < argCount; i++ {
		it := t.In(i)
		for _, av := range values {
			avVal := reflect.ValueOf(av)
			if avVal.IsValid() && avVal.Type().AssignableTo(it) {
				bound = append(bound, avVal)
				continue outer
			}
		}
		break
	}

	in := make([]reflect.Type, 0, t.NumIn()-len(bound))
	for i := len(bound); i < t.NumIn(); i++ {
		in = append(in, t.In(i))
	}
	out := make([]reflect.Type, t.NumOut())
	for i := 0; i < t.NumOut(); i++ {
		out[i] = t.Out(i)
	}

	if len(in) == 0 && len(out) > 0 && out[0] == valuesType {
		res := rv.Call(bound)
		if len(out) > 1 && out[len(out)-1] == errorType {
			if errVal := res[len(out)-1]; !errVal.IsNil() {
				return nil, errVal.Interface().(error)
			}
		}
		return res[0].Interface().(Values), nil
	}

	ft := reflect.FuncOf(in, out, t.IsVariadic())
	return reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		realArgs := make([]reflect.Value, len(args)+len(bound))
		copy(realArgs, bound)
		copy(realArgs[len(bound):], args)
		return rv.Call(realArgs)
	}).Interface(), nil
}

// ToGoja converts an autowired Globals into goja.Value bindings on rt,
// wrapping remaining Go functions so goja calls them via reflection.
func ToGoja(rt *goja.Runtime, g Globals) map[string]goja.Value {
	out := make(map[string]goja.Value, len(g))
	for k, v := range g {
		out[k] = rt.ToValue(v)
	}
	return out
}
