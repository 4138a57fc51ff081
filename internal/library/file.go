package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.starlark.net/starlark"
)

// file is the object returned by open(). Writes go straight through to the
// virtual filesystem so a program that never calls close() still leaves its
// output behind.
type file struct {
	host   Host
	name   string
	path   string
	mode   string
	binary bool
	data   []byte
	offset int
	closed bool
}

var _ starlark.HasAttrs = (*file)(nil)

func (f *file) String() string        { return fmt.Sprintf("<file %q mode=%q>", f.name, f.mode) }
func (f *file) Type() string          { return "file" }
func (f *file) Freeze()               {}
func (f *file) Truth() starlark.Bool  { return starlark.Bool(!f.closed) }
func (f *file) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: file") }

func (f *file) AttrNames() []string {
	return []string{"close", "closed", "mode", "name", "read", "readline", "readlines", "write"}
}

func (f *file) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(f.name), nil
	case "mode":
		return starlark.String(f.mode), nil
	case "closed":
		return starlark.Bool(f.closed), nil
	case "read":
		return starlark.NewBuiltin("read", f.read).BindReceiver(f), nil
	case "readline":
		return starlark.NewBuiltin("readline", f.readline).BindReceiver(f), nil
	case "readlines":
		return starlark.NewBuiltin("readlines", f.readlines).BindReceiver(f), nil
	case "write":
		return starlark.NewBuiltin("write", f.write).BindReceiver(f), nil
	case "close":
		return starlark.NewBuiltin("close", f.close).BindReceiver(f), nil
	}
	return nil, nil
}

func (f *file) value(b []byte) starlark.Value {
	if f.binary {
		return starlark.Bytes(b)
	}
	return starlark.String(b)
}

func (f *file) checkReadable(op string) error {
	if f.closed {
		return NewException("ValueError", "%s on closed file", op)
	}
	if f.data == nil && strings.ContainsAny(f.mode, "wa") {
		return NewException("ValueError", "file %s not open for reading", f.name)
	}
	return nil
}

func (f *file) read(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	size := -1
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "size?", &size); err != nil {
		return nil, err
	}
	if err := f.checkReadable("read"); err != nil {
		return nil, err
	}
	rest := f.data[f.offset:]
	if size >= 0 && size < len(rest) {
		rest = rest[:size]
	}
	f.offset += len(rest)
	return f.value(rest), nil
}

func (f *file) readline(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	if err := f.checkReadable("readline"); err != nil {
		return nil, err
	}
	rest := f.data[f.offset:]
	if i := strings.IndexByte(string(rest), '\n'); i >= 0 {
		rest = rest[:i+1]
	}
	f.offset += len(rest)
	return f.value(rest), nil
}

func (f *file) readlines(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	if err := f.checkReadable("readlines"); err != nil {
		return nil, err
	}
	rest := string(f.data[f.offset:])
	f.offset = len(f.data)
	var lines []starlark.Value
	for rest != "" {
		i := strings.IndexByte(rest, '\n')
		if i < 0 {
			lines = append(lines, f.value([]byte(rest)))
			break
		}
		lines = append(lines, f.value([]byte(rest[:i+1])))
		rest = rest[i+1:]
	}
	return starlark.NewList(lines), nil
}

func (f *file) write(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	if f.closed {
		return nil, NewException("ValueError", "write to closed file")
	}
	if !strings.ContainsAny(f.mode, "wa") {
		return nil, NewException("ValueError", "file %s not open for writing", f.name)
	}
	var payload []byte
	switch s := v.(type) {
	case starlark.String:
		payload = []byte(s)
	case starlark.Bytes:
		payload = []byte(s)
	default:
		return nil, fmt.Errorf("write: got %s, want string or bytes", v.Type())
	}
	out, err := f.host.FS().OpenFile(f.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.name, err)
	}
	defer out.Close()
	if _, err := out.Write(payload); err != nil {
		return nil, fmt.Errorf("writing %s: %w", f.name, err)
	}
	return starlark.MakeInt(len(payload)), nil
}

func (f *file) close(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	f.closed = true
	f.data = nil
	return starlark.None, nil
}

func openBuiltin(h Host) *starlark.Builtin {
	return starlark.NewBuiltin("open", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		mode := "r"
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "file", &name, "mode?", &mode); err != nil {
			return nil, err
		}
		return openFile(h, name, mode)
	})
}

func openFile(h Host, name, mode string) (*file, error) {
	normalized := strings.ReplaceAll(mode, "t", "")
	switch normalized {
	case "r", "rb", "w", "wb", "a", "ab":
	default:
		return nil, NewException("ValueError", "invalid mode: %q", mode)
	}
	full, err := h.Resolve(name)
	if err != nil {
		return nil, NewException("PermissionError", "%v", err)
	}
	f := &file{
		host:   h,
		name:   name,
		path:   full,
		mode:   normalized,
		binary: strings.HasSuffix(normalized, "b"),
	}

	switch normalized[0] {
	case 'r':
		data, err := afero.ReadFile(h.FS(), full)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewException("FileNotFoundError", "no such file: %q", name)
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		if data == nil {
			data = []byte{}
		}
		f.data = data
	case 'w':
		if err := ensureParent(h.FS(), full, name); err != nil {
			return nil, err
		}
		if err := afero.WriteFile(h.FS(), full, nil, 0o644); err != nil {
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
	case 'a':
		if err := ensureParent(h.FS(), full, name); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func ensureParent(fsys afero.Fs, full, name string) error {
	dir := filepath.Dir(full)
	ok, err := afero.DirExists(fsys, dir)
	if err != nil {
		return fmt.Errorf("checking %s: %w", dir, err)
	}
	if !ok {
		return NewException("FileNotFoundError", "no such directory for %q", name)
	}
	return nil
}
