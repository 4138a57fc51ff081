package library

import (
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
)

// YAMLPackage encodes and decodes YAML documents.
func YAMLPackage() Package {
	return Package{
		Name:        "yaml",
		Description: "encode and decode YAML",
		Load: func(Host) (starlark.StringDict, error) {
			return exportModule("yaml", starlark.StringDict{
				"dumps": starlark.NewBuiltin("dumps", yamlDumps),
				"loads": starlark.NewBuiltin("loads", yamlLoads),
			}), nil
		},
	}
}

func yamlDumps(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	g, err := toGo(v)
	if err != nil {
		return nil, NewException("TypeError", "yaml.dumps: %v", err)
	}
	out, err := yaml.Marshal(g)
	if err != nil {
		return nil, NewException("ValueError", "yaml.dumps: %v", err)
	}
	return starlark.String(out), nil
}

func yamlLoads(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &text); err != nil {
		return nil, err
	}
	var g any
	if err := yaml.Unmarshal([]byte(text), &g); err != nil {
		return nil, NewException("ValueError", "yaml.loads: %v", err)
	}
	return fromGo(g)
}
