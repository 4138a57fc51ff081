package library

import (
	"database/sql"
	"fmt"

	"go.starlark.net/starlark"

	_ "modernc.org/sqlite"
)

// SQLitePackage gives programs a private in-memory SQL database. Nothing is
// ever written to the host filesystem; every connection disappears with the
// environment.
func SQLitePackage() Package {
	return Package{
		Name:        "sqlite",
		Description: "in-memory SQL database",
		Load: func(h Host) (starlark.StringDict, error) {
			return exportModule("sqlite", starlark.StringDict{
				"connect": starlark.NewBuiltin("connect", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
					if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
						return nil, err
					}
					return openConnection(h)
				}),
			}), nil
		},
	}
}

type connection struct {
	db     *sql.DB
	closed bool
}

var _ starlark.HasAttrs = (*connection)(nil)

func openConnection(h Host) (*connection, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each pooled connection would get its own empty :memory: database.
	db.SetMaxOpenConns(1)
	c := &connection{db: db}
	h.OnClose(c.shutdown)
	return c, nil
}

func (c *connection) shutdown() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

func (c *connection) String() string        { return "<sqlite connection>" }
func (c *connection) Type() string          { return "sqlite.connection" }
func (c *connection) Freeze()               {}
func (c *connection) Truth() starlark.Bool  { return starlark.Bool(!c.closed) }
func (c *connection) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: sqlite.connection") }
func (c *connection) AttrNames() []string   { return []string{"close", "execute", "query"} }

func (c *connection) Attr(name string) (starlark.Value, error) {
	switch name {
	case "execute":
		return starlark.NewBuiltin("execute", c.execute).BindReceiver(c), nil
	case "query":
		return starlark.NewBuiltin("query", c.query).BindReceiver(c), nil
	case "close":
		return starlark.NewBuiltin("close", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			if err := c.shutdown(); err != nil {
				return nil, fmt.Errorf("closing database: %w", err)
			}
			return starlark.None, nil
		}).BindReceiver(c), nil
	}
	return nil, nil
}

func (c *connection) statement(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (string, []any, error) {
	if c.closed {
		return "", nil, NewException("RuntimeError", "connection is closed")
	}
	var stmt string
	var params starlark.Value = starlark.NewList(nil)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "sql", &stmt, "params?", &params); err != nil {
		return "", nil, err
	}
	g, err := toGo(params)
	if err != nil {
		return "", nil, NewException("TypeError", "%s params: %v", b.Name(), err)
	}
	list, ok := g.([]any)
	if !ok {
		return "", nil, NewException("TypeError", "%s params: want list or tuple, got %s", b.Name(), params.Type())
	}
	return stmt, list, nil
}

func (c *connection) execute(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	stmt, params, err := c.statement(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	res, err := c.db.ExecContext(threadContext(thread), stmt, params...)
	if err != nil {
		return nil, NewException("DatabaseError", "%v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return starlark.None, nil
	}
	return starlark.MakeInt64(n), nil
}

// query returns every row as a dict keyed by column name.
func (c *connection) query(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	stmt, params, err := c.statement(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(threadContext(thread), stmt, params...)
	if err != nil {
		return nil, NewException("DatabaseError", "%v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	var out []starlark.Value
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		d := starlark.NewDict(len(cols))
		for i, col := range cols {
			v, err := fromGo(vals[i])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(col), v); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, NewException("DatabaseError", "%v", err)
	}
	return starlark.NewList(out), nil
}
