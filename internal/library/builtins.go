package library

import (
	"fmt"
	"io"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Version is reported to programs as sys.version.
const Version = "sandcastle/1 (starlark)"

// Builtins returns the predeclared names every program sees, bound to h.
func Builtins(h Host) starlark.StringDict {
	d := starlark.StringDict{
		"open":   openBuiltin(h),
		"os":     osModule(h),
		"sys":    sysModule(h),
		"math":   math.Module,
		"json":   json.Module,
		"time":   time.Module,
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"fail":   starlark.NewBuiltin("fail", fail),
	}
	for _, kind := range ExceptionKinds {
		d[kind] = exceptionConstructor(kind)
	}
	return d
}

func sysModule(h Host) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "sys",
		Members: starlark.StringDict{
			"stdout":   &stream{name: "stdout", w: h.Stdout()},
			"stderr":   &stream{name: "stderr", w: h.Stderr()},
			"version":  starlark.String(Version),
			"platform": starlark.String("sandbox"),
			"argv":     starlark.NewList(nil),
		},
	}
}

// stream is a write-only file-like object over one of the capture buffers.
type stream struct {
	name string
	w    io.Writer
}

var _ starlark.HasAttrs = (*stream)(nil)

func (s *stream) String() string        { return "<sys." + s.name + ">" }
func (s *stream) Type() string          { return "stream" }
func (s *stream) Freeze()               {}
func (s *stream) Truth() starlark.Bool  { return starlark.True }
func (s *stream) Hash() (uint32, error) { return starlark.String(s.name).Hash() }
func (s *stream) AttrNames() []string   { return []string{"flush", "write"} }

func (s *stream) Attr(name string) (starlark.Value, error) {
	switch name {
	case "write":
		return starlark.NewBuiltin("write", s.write).BindReceiver(s), nil
	case "flush":
		return starlark.NewBuiltin("flush", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			return starlark.None, nil
		}).BindReceiver(s), nil
	}
	return nil, nil
}

func (s *stream) write(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
		return nil, err
	}
	n, err := io.WriteString(s.w, text)
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", s.name, err)
	}
	return starlark.MakeInt(n), nil
}
