package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// osModule exposes a small, home-confined subset of Python's os and os.path.
func osModule(h Host) *starlarkstruct.Module {
	o := &osFuncs{host: h}
	return &starlarkstruct.Module{
		Name: "os",
		Members: starlark.StringDict{
			"getcwd":   starlark.NewBuiltin("getcwd", o.getcwd),
			"listdir":  starlark.NewBuiltin("listdir", o.listdir),
			"remove":   starlark.NewBuiltin("remove", o.remove),
			"makedirs": starlark.NewBuiltin("makedirs", o.makedirs),
			"rename":   starlark.NewBuiltin("rename", o.rename),
			"glob":     starlark.NewBuiltin("glob", o.glob),
			"sep":      starlark.String("/"),
			"path": &starlarkstruct.Module{
				Name: "os.path",
				Members: starlark.StringDict{
					"join":     starlark.NewBuiltin("join", pathJoin),
					"basename": starlark.NewBuiltin("basename", pathBasename),
					"dirname":  starlark.NewBuiltin("dirname", pathDirname),
					"splitext": starlark.NewBuiltin("splitext", pathSplitext),
					"exists":   starlark.NewBuiltin("exists", o.exists),
					"isdir":    starlark.NewBuiltin("isdir", o.isdir),
					"isfile":   starlark.NewBuiltin("isfile", o.isfile),
					"getsize":  starlark.NewBuiltin("getsize", o.getsize),
				},
			},
		},
	}
}

type osFuncs struct {
	host Host
}

func (o *osFuncs) resolve(p string) (string, error) {
	full, err := o.host.Resolve(p)
	if err != nil {
		return "", NewException("PermissionError", "%v", err)
	}
	return full, nil
}

func (o *osFuncs) getcwd(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.String(o.host.Home()), nil
}

func (o *osFuncs) listdir(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	dir := "."
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path?", &dir); err != nil {
		return nil, err
	}
	full, err := o.resolve(dir)
	if err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(o.host.FS(), full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, NewException("FileNotFoundError", "no such directory: %q", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	names := make([]starlark.Value, len(infos))
	for i, info := range infos {
		names[i] = starlark.String(info.Name())
	}
	return starlark.NewList(names), nil
}

func (o *osFuncs) remove(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
		return nil, err
	}
	full, err := o.resolve(p)
	if err != nil {
		return nil, err
	}
	if ok, _ := afero.Exists(o.host.FS(), full); !ok {
		return nil, NewException("FileNotFoundError", "no such file: %q", p)
	}
	if err := o.host.FS().Remove(full); err != nil {
		return nil, fmt.Errorf("removing %s: %w", p, err)
	}
	return starlark.None, nil
}

func (o *osFuncs) makedirs(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	existOK := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &p, "exist_ok?", &existOK); err != nil {
		return nil, err
	}
	full, err := o.resolve(p)
	if err != nil {
		return nil, err
	}
	if ok, _ := afero.DirExists(o.host.FS(), full); ok && !existOK {
		return nil, NewException("FileExistsError", "directory exists: %q", p)
	}
	if err := o.host.FS().MkdirAll(full, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", p, err)
	}
	return starlark.None, nil
}

func (o *osFuncs) rename(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dst string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "src", &src, "dst", &dst); err != nil {
		return nil, err
	}
	from, err := o.resolve(src)
	if err != nil {
		return nil, err
	}
	to, err := o.resolve(dst)
	if err != nil {
		return nil, err
	}
	if ok, _ := afero.Exists(o.host.FS(), from); !ok {
		return nil, NewException("FileNotFoundError", "no such file: %q", src)
	}
	if err := o.host.FS().Rename(from, to); err != nil {
		return nil, fmt.Errorf("renaming %s: %w", src, err)
	}
	return starlark.None, nil
}

// glob matches pattern against the home directory. Supports ** for
// recursive matches. Results are relative to home and sorted.
func (o *osFuncs) glob(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern); err != nil {
		return nil, err
	}
	home := o.host.Home()
	if filepath.IsAbs(pattern) {
		rel, err := filepath.Rel(home, pattern)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, NewException("PermissionError", "pattern %q is outside %s", pattern, home)
		}
		pattern = rel
	}
	pattern = strings.TrimPrefix(pattern, "./")
	if !doublestar.ValidatePattern(pattern) {
		return nil, NewException("ValueError", "bad glob pattern: %q", pattern)
	}

	fsys := afero.NewIOFS(afero.NewBasePathFs(o.host.FS(), home))
	matches, err := doublestar.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	out := make([]starlark.Value, len(matches))
	for i, m := range matches {
		out[i] = starlark.String(m)
	}
	return starlark.NewList(out), nil
}

func (o *osFuncs) stat(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (os.FileInfo, error) {
	var p string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
		return nil, err
	}
	full, err := o.host.Resolve(p)
	if err != nil {
		// Paths outside home simply do not exist from inside the sandbox.
		return nil, nil
	}
	info, err := o.host.FS().Stat(full)
	if err != nil {
		return nil, nil
	}
	return info, nil
}

func (o *osFuncs) exists(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	info, err := o.stat(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(info != nil), nil
}

func (o *osFuncs) isdir(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	info, err := o.stat(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(info != nil && info.IsDir()), nil
}

func (o *osFuncs) isfile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	info, err := o.stat(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return starlark.Bool(info != nil && !info.IsDir()), nil
}

func (o *osFuncs) getsize(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	info, err := o.stat(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, NewException("FileNotFoundError", "no such file: %s", args.Index(0))
	}
	return starlark.MakeInt64(info.Size()), nil
}

// --- os.path string helpers ---

func pathJoin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	parts := make([]string, len(args))
	for i, a := range args {
		s, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is %s, want string", b.Name(), i+1, a.Type())
		}
		parts[i] = s
	}
	return starlark.String(filepath.Join(parts...)), nil
}

func pathBasename(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
		return nil, err
	}
	if strings.HasSuffix(p, "/") {
		return starlark.String(""), nil
	}
	return starlark.String(filepath.Base(p)), nil
}

func pathDirname(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
		return nil, err
	}
	if !strings.Contains(p, "/") {
		return starlark.String(""), nil
	}
	return starlark.String(filepath.Dir(p)), nil
}

func pathSplitext(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var p string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &p); err != nil {
		return nil, err
	}
	ext := filepath.Ext(p)
	return starlark.Tuple{starlark.String(strings.TrimSuffix(p, ext)), starlark.String(ext)}, nil
}
