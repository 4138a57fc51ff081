package sandbox

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ValidateFilename checks a caller-supplied file name and returns its
// normalized home-relative form. Names may contain directories but can
// never point outside home.
func ValidateFilename(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafeFilename)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrUnsafeFilename, name)
	}
	norm := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(norm, "/") || filepath.IsAbs(name) || (len(norm) > 1 && norm[1] == ':') {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafeFilename, name)
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the home directory", ErrUnsafeFilename, name)
		}
	}
	clean := path.Clean(norm)
	if clean == "." || strings.HasSuffix(norm, "/") {
		return "", fmt.Errorf("%w: %q does not name a file", ErrUnsafeFilename, name)
	}
	return clean, nil
}

// Validate rejects malformed requests before any environment is touched.
func (r ExecutionRequest) Validate(p Policy) error {
	if strings.TrimSpace(r.Code) == "" {
		return newError(KindRequestValidation, "validate", ErrEmptyCode)
	}
	if p.MaxInputFiles > 0 && len(r.Files) > p.MaxInputFiles {
		return newError(KindRequestValidation, "validate",
			fmt.Errorf("%d input files exceeds the limit of %d", len(r.Files), p.MaxInputFiles))
	}
	var total int64
	seen := make(map[string]bool, len(r.Files))
	for i, f := range r.Files {
		name, err := ValidateFilename(f.Filename)
		if err != nil {
			return newError(KindRequestValidation, fmt.Sprintf("files[%d]", i), err)
		}
		if f.Data == nil {
			return newError(KindRequestValidation, fmt.Sprintf("files[%d]", i),
				fmt.Errorf("missing data for %q", f.Filename))
		}
		if seen[name] {
			return newError(KindRequestValidation, fmt.Sprintf("files[%d]", i),
				fmt.Errorf("duplicate filename %q", f.Filename))
		}
		seen[name] = true
		total += int64(len(f.Data))
	}
	if p.MaxInputBytes > 0 && total > p.MaxInputBytes {
		return newError(KindRequestValidation, "validate",
			fmt.Errorf("input files total %d bytes, limit is %d", total, p.MaxInputBytes))
	}
	return nil
}

// InputNames returns the leaf names of the request's input files.
func (r ExecutionRequest) InputNames() map[string]struct{} {
	names := make(map[string]struct{}, len(r.Files))
	for _, f := range r.Files {
		norm := strings.ReplaceAll(f.Filename, "\\", "/")
		names[path.Base(norm)] = struct{}{}
	}
	return names
}

// WriteInputs copies caller files into the home directory.
func (e *Environment) WriteInputs(files []InputFile) error {
	for _, f := range files {
		name, err := ValidateFilename(f.Filename)
		if err != nil {
			return newError(KindRequestValidation, "write inputs", err)
		}
		if f.Data == nil {
			return newError(KindRequestValidation, "write inputs", fmt.Errorf("missing data for %q", f.Filename))
		}
		full := filepath.Join(e.home, filepath.FromSlash(name))
		if err := e.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return newError(KindMarshalling, "write inputs", fmt.Errorf("creating directory for %s: %w", name, err))
		}
		if err := afero.WriteFile(e.fs, full, f.Data, 0o644); err != nil {
			return newError(KindMarshalling, "write inputs", fmt.Errorf("writing %s: %w", name, err))
		}
	}
	return nil
}

// CollectOutputs lists every file under home except defaults and inputs
// (matched by leaf name). It only reads. afero.Walk visits entries in
// lexical order, so equal filesystem states give equal results.
func (e *Environment) CollectOutputs(inputNames map[string]struct{}) ([]OutputFile, error) {
	outputs := []OutputFile{}
	err := afero.Walk(e.fs, e.home, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		leaf := filepath.Base(p)
		if e.defaults.Has(leaf) {
			return nil
		}
		if _, ok := inputNames[leaf]; ok {
			return nil
		}
		rel, err := filepath.Rel(e.home, p)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", p, err)
		}
		data, err := afero.ReadFile(e.fs, p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		outputs = append(outputs, OutputFile{Filename: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, newError(KindMarshalling, "collect outputs", err)
	}
	return outputs, nil
}
