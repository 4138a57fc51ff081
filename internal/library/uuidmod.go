package library

import (
	"github.com/google/uuid"
	"go.starlark.net/starlark"
)

// UUIDPackage generates and parses UUIDs.
func UUIDPackage() Package {
	return Package{
		Name:        "uuid",
		Description: "generate and parse UUIDs",
		Load: func(Host) (starlark.StringDict, error) {
			return exportModule("uuid", starlark.StringDict{
				"uuid4": starlark.NewBuiltin("uuid4", uuid4),
				"parse": starlark.NewBuiltin("parse", uuidParse),
				"NIL":   starlark.String(uuid.Nil.String()),
			}), nil
		},
	}
}

func uuid4(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.String(uuid.NewString()), nil
}

func uuidParse(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, NewException("ValueError", "invalid UUID %q: %v", s, err)
	}
	return starlark.String(id.String()), nil
}
