// Package library provides the builtins and load-able packages available to
// sandboxed programs. Everything here reaches the outside world only through
// a Host, so a package can never touch more than the environment it was
// loaded into.
package library

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Host is the slice of a sandbox environment that packages may use.
type Host interface {
	// FS is the environment's virtual filesystem.
	FS() afero.Fs
	// Home is the working directory inside FS.
	Home() string
	// Resolve maps a program-supplied path to a path under Home.
	Resolve(path string) (string, error)
	Stdout() io.Writer
	Stderr() io.Writer
	// OnClose registers fn to run when the environment is torn down.
	OnClose(fn func() error)
}

// Package is a library that programs pull in with load().
type Package struct {
	Name        string
	Description string
	Load        func(h Host) (starlark.StringDict, error)
}

// Registry holds the packages a bootstrapper may load.
type Registry struct {
	mu   sync.RWMutex
	pkgs map[string]Package
}

// NewRegistry creates a registry holding pkgs.
func NewRegistry(pkgs ...Package) *Registry {
	r := &Registry{pkgs: make(map[string]Package)}
	for _, p := range pkgs {
		r.pkgs[p.Name] = p
	}
	return r
}

// DefaultRegistry returns every package shipped with sandcastle.
func DefaultRegistry() *Registry {
	return NewRegistry(
		CSVPackage(),
		PlotPackage(),
		YAMLPackage(),
		UUIDPackage(),
		SQLitePackage(),
	)
}

// DefaultPreload names the packages bootstrapped into every environment.
func DefaultPreload() []string {
	return []string{"csv", "plot"}
}

// Register adds a package, failing on duplicate names.
func (r *Registry) Register(p Package) error {
	if p.Name == "" || p.Load == nil {
		return fmt.Errorf("package needs a name and a loader")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pkgs[p.Name]; ok {
		return fmt.Errorf("package %q already registered", p.Name)
	}
	r.pkgs[p.Name] = p
	return nil
}

// Lookup returns the named package.
func (r *Registry) Lookup(name string) (Package, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pkgs[name]
	return p, ok
}

// Names lists registered packages in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pkgs))
	for n := range r.pkgs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// exportModule returns the members of a package plus the package itself
// under its own name, so both load("csv", "csv") and load("csv", "reader")
// work.
func exportModule(name string, members starlark.StringDict) starlark.StringDict {
	out := make(starlark.StringDict, len(members)+1)
	for k, v := range members {
		out[k] = v
	}
	out[name] = &starlarkstruct.Module{Name: name, Members: members}
	return out
}

// ResolveUnder maps p onto a path inside home. Relative paths are joined to
// home; absolute paths must already be inside it.
func ResolveUnder(home, p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL byte")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(home, p)
	}
	if full != home && !strings.HasPrefix(full, home+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside %s", p, home)
	}
	return full, nil
}

// SetContext attaches ctx to a thread for builtins that block.
func SetContext(thread *starlark.Thread, ctx context.Context) {
	thread.SetLocal("sandcastle.context", ctx)
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local("sandcastle.context").(context.Context); ok {
		return ctx
	}
	return context.Background()
}
