package sandbox

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.starlark.net/starlark"

	"github.com/michaelbrown/sandcastle/internal/library"
)

// Environment is one disposable interpreter plus its private in-memory
// filesystem. It serves exactly one request and is then closed.
type Environment struct {
	ID string

	fs       afero.Fs
	home     string
	capture  *Capture
	thread   *starlark.Thread
	globals  starlark.StringDict
	packages *library.Registry
	defaults *DefaultFileSet
	policy   Policy
	logger   *zerolog.Logger

	mu      sync.Mutex
	loaded  map[string]starlark.StringDict
	closers []func() error
	spent   bool
	closed  bool
}

var _ library.Host = (*Environment)(nil)

func newEnvironment(policy Policy, packages *library.Registry, defaults *DefaultFileSet, logger *zerolog.Logger) *Environment {
	id := uuid.NewString()
	l := logger.With().Str("env", id[:8]).Logger()
	env := &Environment{
		ID:       id,
		fs:       afero.NewMemMapFs(),
		home:     policy.HomeDir,
		capture:  NewCapture(),
		globals:  make(starlark.StringDict),
		packages: packages,
		defaults: defaults,
		policy:   policy,
		logger:   &l,
		loaded:   make(map[string]starlark.StringDict),
	}
	env.thread = &starlark.Thread{
		Name:  "sandbox-" + id[:8],
		Print: func(_ *starlark.Thread, msg string) { env.capture.Println(msg) },
		Load:  func(_ *starlark.Thread, module string) (starlark.StringDict, error) { return env.load(module) },
	}
	if policy.MaxExecutionSteps > 0 {
		env.thread.SetMaxExecutionSteps(policy.MaxExecutionSteps)
	}
	return env
}

// --- library.Host ---

func (e *Environment) FS() afero.Fs      { return e.fs }
func (e *Environment) Home() string      { return e.home }
func (e *Environment) Stdout() io.Writer { return e.capture.Stdout() }
func (e *Environment) Stderr() io.Writer { return e.capture.Stderr() }

func (e *Environment) Resolve(p string) (string, error) {
	return library.ResolveUnder(e.home, p)
}

func (e *Environment) OnClose(fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, fn)
}

// Capture exposes the environment's output buffers.
func (e *Environment) Capture() *Capture { return e.capture }

// Loaded reports whether a package is already active in this environment.
func (e *Environment) Loaded(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.loaded[name]
	return ok
}

// Preload loads a package ahead of time so load() finds it cached.
func (e *Environment) Preload(name string) error {
	_, err := e.load(name)
	return err
}

func (e *Environment) load(name string) (starlark.StringDict, error) {
	e.mu.Lock()
	if members, ok := e.loaded[name]; ok {
		e.mu.Unlock()
		return members, nil
	}
	e.mu.Unlock()

	pkg, ok := e.packages.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no package named %q", name)
	}
	members, err := pkg.Load(e)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", name, err)
	}

	e.mu.Lock()
	e.loaded[name] = members
	e.mu.Unlock()
	return members, nil
}

// importBuiltinName backs imports inside indented blocks, where load is
// not allowed.
const importBuiltinName = "__import__"

// importBuiltin returns __import__(package, member), which loads package
// and returns one of its members.
func (e *Environment) importBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin(importBuiltinName, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var pkg, member string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &pkg, &member); err != nil {
			return nil, err
		}
		members, err := e.load(pkg)
		if err != nil {
			return nil, library.NewException("ImportError", "cannot load %s: %v", pkg, err)
		}
		v, ok := members[member]
		if !ok {
			return nil, library.NewException("ImportError", "cannot import name '%s' from '%s'", member, pkg)
		}
		return v, nil
	})
}

// Interrupt stops the code running on the environment's thread at its
// next step. Only shutdown uses it; a request's context does not.
func (e *Environment) Interrupt(reason string) {
	e.thread.Cancel(reason)
}

// Close releases everything the environment holds. The filesystem and
// interpreter state become garbage once the last reference is dropped.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	closers := e.closers
	e.closers = nil
	e.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.Interrupt("environment closed")
	e.globals = nil
	e.loaded = nil
	e.fs = afero.NewMemMapFs()
	return errors.Join(errs...)
}
