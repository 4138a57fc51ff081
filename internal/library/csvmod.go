package library

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"go.starlark.net/starlark"
)

// CSVPackage reads and writes comma-separated data.
func CSVPackage() Package {
	return Package{
		Name:        "csv",
		Description: "read and write CSV data",
		Load: func(h Host) (starlark.StringDict, error) {
			c := &csvFuncs{host: h}
			return exportModule("csv", starlark.StringDict{
				"reader":     starlark.NewBuiltin("reader", c.reader),
				"dumps":      starlark.NewBuiltin("dumps", c.dumps),
				"read_file":  starlark.NewBuiltin("read_file", c.readFile),
				"read_dicts": starlark.NewBuiltin("read_dicts", c.readDicts),
				"write_file": starlark.NewBuiltin("write_file", c.writeFile),
			}), nil
		},
	}
}

type csvFuncs struct {
	host Host
}

func delimiterRune(d string) (rune, error) {
	r := []rune(d)
	if len(r) != 1 {
		return 0, NewException("ValueError", "delimiter must be a single character, got %q", d)
	}
	return r[0], nil
}

func parseCSV(text, delimiter string) ([][]string, error) {
	comma, err := delimiterRune(delimiter)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = comma
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, NewException("ValueError", "parsing csv: %v", err)
	}
	return rows, nil
}

func formatCSV(rows [][]string, delimiter string) (string, error) {
	comma, err := delimiterRune(delimiter)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = comma
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("writing csv: %w", err)
	}
	return buf.String(), nil
}

func rowsValue(rows [][]string) starlark.Value {
	out := make([]starlark.Value, len(rows))
	for i, row := range rows {
		cells := make([]starlark.Value, len(row))
		for j, c := range row {
			cells[j] = starlark.String(c)
		}
		out[i] = starlark.NewList(cells)
	}
	return starlark.NewList(out)
}

func (c *csvFuncs) read(name string) (string, error) {
	full, err := c.host.Resolve(name)
	if err != nil {
		return "", NewException("PermissionError", "%v", err)
	}
	data, err := afero.ReadFile(c.host.FS(), full)
	if err != nil {
		return "", NewException("FileNotFoundError", "no such file: %q", name)
	}
	return string(data), nil
}

func (c *csvFuncs) reader(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	delimiter := ","
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "delimiter?", &delimiter); err != nil {
		return nil, err
	}
	rows, err := parseCSV(text, delimiter)
	if err != nil {
		return nil, err
	}
	return rowsValue(rows), nil
}

func (c *csvFuncs) dumps(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	delimiter := ","
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "rows", &v, "delimiter?", &delimiter); err != nil {
		return nil, err
	}
	rows, err := stringRows(v)
	if err != nil {
		return nil, err
	}
	text, err := formatCSV(rows, delimiter)
	if err != nil {
		return nil, err
	}
	return starlark.String(text), nil
}

func (c *csvFuncs) readFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	delimiter := ","
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &name, "delimiter?", &delimiter); err != nil {
		return nil, err
	}
	text, err := c.read(name)
	if err != nil {
		return nil, err
	}
	rows, err := parseCSV(text, delimiter)
	if err != nil {
		return nil, err
	}
	return rowsValue(rows), nil
}

// readDicts returns one dict per data row, keyed by the header row.
func (c *csvFuncs) readDicts(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	delimiter := ","
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &name, "delimiter?", &delimiter); err != nil {
		return nil, err
	}
	text, err := c.read(name)
	if err != nil {
		return nil, err
	}
	rows, err := parseCSV(text, delimiter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return starlark.NewList(nil), nil
	}
	header := rows[0]
	out := make([]starlark.Value, 0, len(rows)-1)
	for _, row := range rows[1:] {
		d := starlark.NewDict(len(header))
		for i, col := range header {
			cell := starlark.Value(starlark.None)
			if i < len(row) {
				cell = starlark.String(row[i])
			}
			if err := d.SetKey(starlark.String(col), cell); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return starlark.NewList(out), nil
}

func (c *csvFuncs) writeFile(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var v starlark.Value
	delimiter := ","
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &name, "rows", &v, "delimiter?", &delimiter); err != nil {
		return nil, err
	}
	rows, err := stringRows(v)
	if err != nil {
		return nil, err
	}
	text, err := formatCSV(rows, delimiter)
	if err != nil {
		return nil, err
	}
	full, err := c.host.Resolve(name)
	if err != nil {
		return nil, NewException("PermissionError", "%v", err)
	}
	if err := afero.WriteFile(c.host.FS(), full, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", name, err)
	}
	return starlark.MakeInt(len(rows)), nil
}
