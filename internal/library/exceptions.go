package library

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
)

// ExceptionKinds are the exception constructors every program can call.
var ExceptionKinds = []string{
	"Exception",
	"ValueError",
	"TypeError",
	"KeyError",
	"IndexError",
	"RuntimeError",
	"ZeroDivisionError",
	"FileNotFoundError",
	"PermissionError",
	"FileExistsError",
	"NotImplementedError",
	"ImportError",
	"AssertionError",
}

// Exception is a typed error value raised with fail(). It is both a
// Starlark value and a Go error so it survives the trip through the
// interpreter's error wrapping.
type Exception struct {
	Kind string
	Msg  string
}

var (
	_ starlark.Value    = (*Exception)(nil)
	_ starlark.HasAttrs = (*Exception)(nil)
	_ error             = (*Exception)(nil)
)

// NewException builds an exception of the given kind.
func NewException(kind, format string, args ...any) *Exception {
	return &Exception{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *Exception) Error() string {
	if e.Msg == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Msg
}

func (e *Exception) String() string        { return fmt.Sprintf("%s(%q)", e.Kind, e.Msg) }
func (e *Exception) Type() string          { return e.Kind }
func (e *Exception) Freeze()               {}
func (e *Exception) Truth() starlark.Bool  { return starlark.True }
func (e *Exception) Hash() (uint32, error) { return starlark.String(e.Error()).Hash() }

func (e *Exception) Attr(name string) (starlark.Value, error) {
	switch name {
	case "message":
		return starlark.String(e.Msg), nil
	case "args":
		return starlark.Tuple{starlark.String(e.Msg)}, nil
	}
	return nil, nil
}

func (e *Exception) AttrNames() []string { return []string{"args", "message"} }

func exceptionConstructor(kind string) *starlark.Builtin {
	return starlark.NewBuiltin(kind, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", kind)
		}
		return &Exception{Kind: kind, Msg: joinArgs(args, " ")}, nil
	})
}

// fail replaces the universal fail so that fail(ValueError("x")) keeps its
// type. Anything else behaves like the stock builtin with kind "Error".
func fail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep := " "
	if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "sep?", &sep); err != nil {
		return nil, err
	}
	if len(args) == 1 {
		switch v := args[0].(type) {
		case *Exception:
			return nil, v
		case *starlark.Builtin:
			for _, kind := range ExceptionKinds {
				if v.Name() == kind {
					return nil, &Exception{Kind: kind}
				}
			}
		}
	}
	return nil, &Exception{Kind: "Error", Msg: joinArgs(args, sep)}
}

func joinArgs(args starlark.Tuple, sep string) string {
	parts := make([]string, len(args))
	for i, v := range args {
		if s, ok := starlark.AsString(v); ok {
			parts[i] = s
		} else {
			parts[i] = v.String()
		}
	}
	return strings.Join(parts, sep)
}
