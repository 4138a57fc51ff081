package library

import (
	"fmt"
	"math/big"
	"sort"

	"go.starlark.net/starlark"
)

// toGo converts a Starlark value into plain Go data for encoders and
// database drivers.
func toGo(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		return x.BigInt().String(), nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return []byte(x), nil
	case *starlark.List:
		out := make([]any, x.Len())
		for i := 0; i < x.Len(); i++ {
			e, err := toGo(x.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(x))
		for i, e := range x {
			g, err := toGo(e)
			if err != nil {
				return nil, err
			}
			out[i] = g
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				k = item[0].String()
			}
			g, err := toGo(item[1])
			if err != nil {
				return nil, err
			}
			out[k] = g
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot convert %s", v.Type())
}

// fromGo converts decoded Go data into Starlark values. Map keys are
// inserted in sorted order so results are stable.
func fromGo(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case *big.Int:
		return starlark.MakeBigInt(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := fromGo(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(x))
		for _, k := range keys {
			sv, err := fromGo(x[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = e
		}
		return fromGo(m)
	}
	return starlark.String(fmt.Sprint(v)), nil
}

// stringRows converts a list of rows into [][]string.
func stringRows(v starlark.Value) ([][]string, error) {
	iter := starlark.Iterate(v)
	if iter == nil {
		return nil, fmt.Errorf("rows: got %s, want iterable", v.Type())
	}
	defer iter.Done()
	var rows [][]string
	var row starlark.Value
	for iter.Next(&row) {
		cells := starlark.Iterate(row)
		if cells == nil {
			return nil, fmt.Errorf("row: got %s, want iterable", row.Type())
		}
		var out []string
		var cell starlark.Value
		for cells.Next(&cell) {
			if s, ok := starlark.AsString(cell); ok {
				out = append(out, s)
			} else {
				out = append(out, cell.String())
			}
		}
		cells.Done()
		rows = append(rows, out)
	}
	return rows, nil
}

func floats(name string, v starlark.Value) ([]float64, error) {
	iter := starlark.Iterate(v)
	if iter == nil {
		return nil, fmt.Errorf("%s: got %s, want sequence of numbers", name, v.Type())
	}
	defer iter.Done()
	var out []float64
	var x starlark.Value
	for iter.Next(&x) {
		f, ok := starlark.AsFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want number", name, x.Type())
		}
		out = append(out, f)
	}
	return out, nil
}
