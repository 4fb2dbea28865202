package script

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultTimeout bounds a single script call.
const DefaultTimeout = 30 * time.Second

// Evaluator executes Starlark scripts with a time limit per call.
type Evaluator struct {
	timeout     time.Duration
	predeclared starlark.StringDict
	print       func(name, msg string)
}

// NewEvaluator creates an evaluator. A zero timeout uses DefaultTimeout.
// Extra predeclared values are visible to every script.
func NewEvaluator(timeout time.Duration, extra starlark.StringDict) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	predeclared := starlark.StringDict{
		"struct":    starlark.NewBuiltin("struct", starlarkstruct.Make),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
	}
	for name, v := range extra {
		predeclared[name] = v
	}

	return &Evaluator{
		timeout:     timeout,
		predeclared: predeclared,
		print:       func(string, string) {},
	}
}

// Module is a loaded script. Its globals are frozen, so calls may run
// concurrently.
type Module struct {
	name    string
	globals starlark.StringDict
	eval    *Evaluator
}

// Load executes a script's top level and returns the resulting module.
func (e *Evaluator) Load(ctx context.Context, name, source string) (*Module, error) {
	var globals starlark.StringDict
	err := e.run(ctx, name, func(thread *starlark.Thread) error {
		var err error
		globals, err = starlark.ExecFile(thread, name, source, e.predeclared)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", name, err)
	}
	globals.Freeze()
	return &Module{name: name, globals: globals, eval: e}, nil
}

// Has reports whether the module defines a callable global.
func (m *Module) Has(fn string) bool {
	v, ok := m.globals[fn]
	if !ok {
		return false
	}
	_, ok = v.(starlark.Callable)
	return ok
}

// Call invokes a global function with Go arguments and converts the result
// back to Go values.
func (m *Module) Call(ctx context.Context, fn string, args ...interface{}) (interface{}, error) {
	v, ok := m.globals[fn]
	if !ok {
		return nil, fmt.Errorf("script %s does not define %s", m.name, fn)
	}
	callable, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s in script %s is a %s, not a function", fn, m.name, v.Type())
	}

	tuple := make(starlark.Tuple, 0, len(args))
	for _, arg := range args {
		sv, err := toStarlarkValue(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument for %s: %w", fn, err)
		}
		tuple = append(tuple, sv)
	}

	var result starlark.Value
	err := m.eval.run(ctx, m.name+":"+fn, func(thread *starlark.Thread) error {
		var err error
		result, err = starlark.Call(thread, callable, tuple, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fromStarlarkValue(result)
}

// run executes fn on a fresh thread, cancelling the thread when the context
// ends or the timeout elapses.
func (e *Evaluator) run(ctx context.Context, name string, fn func(*starlark.Thread) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: name,
		Print: func(t *starlark.Thread, msg string) {
			e.print(t.Name, msg)
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(thread)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		<-done
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("script %s timed out after %v", name, e.timeout)
		}
		return ctx.Err()
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func builtinEnumerate(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start int

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var list []starlark.Value
	var x starlark.Value
	for i := start; iter.Next(&x); i++ {
		list = append(list, starlark.Tuple{starlark.MakeInt(i), x})
	}
	return starlark.NewList(list), nil
}

func builtinZip(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return starlark.NewList(nil), nil
	}

	iters := make([]starlark.Iterator, len(args))
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("zip argument %d is not iterable", i)
		}
		iters[i] = iterable.Iterate()
		defer iters[i].Done()
	}

	var list []starlark.Value
	for {
		tuple := make(starlark.Tuple, len(iters))
		for i, iter := range iters {
			if !iter.Next(&tuple[i]) {
				return starlark.NewList(list), nil
			}
		}
		list = append(list, tuple)
	}
}
