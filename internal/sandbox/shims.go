package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
)

// CapabilityShim stands in for a host API that plotting and notebook-style
// code expects to find. Shims are installed as predeclared names and must
// never grant real host access.
type CapabilityShim interface {
	Name() string
	Value() starlark.Value
}

// DefaultShims returns the shims installed into every environment.
func DefaultShims() []CapabilityShim {
	return []CapabilityShim{DocumentShim{}, WindowShim{}, DisplayShim{}}
}

// DocumentShim fakes the browser document object.
type DocumentShim struct{}

func (DocumentShim) Name() string          { return "document" }
func (DocumentShim) Value() starlark.Value { return &Inert{name: "document"} }

// WindowShim fakes the browser window object.
type WindowShim struct{}

func (WindowShim) Name() string          { return "window" }
func (WindowShim) Value() starlark.Value { return &Inert{name: "window"} }

// DisplayShim fakes a notebook display() hook. Calls are accepted and
// dropped.
type DisplayShim struct{}

func (DisplayShim) Name() string          { return "display" }
func (DisplayShim) Value() starlark.Value { return &Inert{name: "display", sink: true} }

// Inert absorbs every attribute access and call, returning further Inert
// values. It holds no reference to anything outside itself.
type Inert struct {
	name string
	sink bool // calls return None
}

var (
	_ starlark.HasAttrs = (*Inert)(nil)
	_ starlark.Callable = (*Inert)(nil)
)

func (i *Inert) String() string        { return fmt.Sprintf("<inert %s>", i.name) }
func (i *Inert) Type() string          { return "inert" }
func (i *Inert) Freeze()               {}
func (i *Inert) Truth() starlark.Bool  { return starlark.False }
func (i *Inert) Hash() (uint32, error) { return starlark.String(i.name).Hash() }
func (i *Inert) Name() string          { return i.name }
func (i *Inert) AttrNames() []string   { return nil }

func (i *Inert) Attr(name string) (starlark.Value, error) {
	return &Inert{name: i.name + "." + name}, nil
}

func (i *Inert) CallInternal(*starlark.Thread, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	if i.sink {
		return starlark.None, nil
	}
	return &Inert{name: i.name + "()"}, nil
}
