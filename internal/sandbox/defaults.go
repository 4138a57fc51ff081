package sandbox

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

//go:embed all:defaults
var embeddedDefaults embed.FS

// DefaultFileSet is the fixed set of files seeded into every environment.
// Built once at process start and never mutated afterwards.
type DefaultFileSet struct {
	files  map[string][]byte // home-relative path -> contents
	leaves map[string]struct{}
}

// LoadDefaultFiles builds the set from the embedded fixtures plus, when
// extraDir is non-empty, every regular file under extraDir on the host.
// Host files override embedded files with the same path.
func LoadDefaultFiles(extraDir string) (*DefaultFileSet, error) {
	files := make(map[string][]byte)

	err := fs.WalkDir(embeddedDefaults, "defaults", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := embeddedDefaults.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel("defaults", p)
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading embedded defaults: %w", err)
	}

	if extraDir != "" {
		host := afero.NewBasePathFs(afero.NewOsFs(), extraDir)
		err := afero.Walk(host, "/", func(p string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			data, err := afero.ReadFile(host, p)
			if err != nil {
				return err
			}
			files[filepath.ToSlash(p[1:])] = data
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reading default files from %s: %w", extraDir, err)
		}
	}

	return NewDefaultFileSet(files), nil
}

// NewDefaultFileSet wraps files, copying them so callers cannot mutate the set.
func NewDefaultFileSet(files map[string][]byte) *DefaultFileSet {
	s := &DefaultFileSet{
		files:  make(map[string][]byte, len(files)),
		leaves: make(map[string]struct{}, len(files)),
	}
	for name, data := range files {
		s.files[name] = append([]byte(nil), data...)
		s.leaves[path.Base(name)] = struct{}{}
	}
	return s
}

// Has reports whether leaf is the base name of a default file.
func (s *DefaultFileSet) Has(leaf string) bool {
	if s == nil {
		return false
	}
	_, ok := s.leaves[leaf]
	return ok
}

// Names returns the home-relative paths in sorted order.
func (s *DefaultFileSet) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.files))
	for n := range s.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WriteTo seeds every default file into home on fsys.
func (s *DefaultFileSet) WriteTo(fsys afero.Fs, home string) error {
	for _, name := range s.Names() {
		full := filepath.Join(home, filepath.FromSlash(name))
		if err := fsys.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", name, err)
		}
		if err := afero.WriteFile(fsys, full, s.files[name], 0o644); err != nil {
			return fmt.Errorf("writing default file %s: %w", name, err)
		}
	}
	return nil
}
