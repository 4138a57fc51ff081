package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// Callers write a little Python out of habit. These statements are
// rewritten line for line before parsing so positions in error messages
// still match the submitted code.
//
//	raise X                    -> fail(X)
//	import csv, plot as p      -> load("csv", csv="csv"); load("plot", p="plot")
//	from csv import dumps as d -> load("csv", d="dumps")
//	import math                -> pass (already a builtin)
//
// load is only legal at top level, so an import inside an indented block
// becomes an assignment from __import__ instead:
//
//	    import csv             ->     csv = __import__("csv", "csv")
//	    from csv import dumps  ->     dumps = __import__("csv", "dumps")

var (
	raiseLine  = regexp.MustCompile(`^(\s*)raise\s+(.+?)\s*$`)
	importLine = regexp.MustCompile(`^(\s*)import\s+([\w., ]+?)\s*$`)
	fromLine   = regexp.MustCompile(`^(\s*)from\s+([\w.]+)\s+import\s+\(?([\w, ]+?)\)?\s*$`)
	raiseFrom  = regexp.MustCompile(`\s+from\s+\w+$`)
)

// builtinModules are predeclared in every environment.
var builtinModules = map[string]bool{
	"os": true, "os.path": true, "sys": true, "math": true, "json": true, "time": true,
}

// moduleAliases maps familiar module names onto bundled packages.
var moduleAliases = map[string]string{
	"matplotlib.pyplot": "plot",
	"pyplot":            "plot",
}

func packageFor(module string) string {
	if alias, ok := moduleAliases[module]; ok {
		return alias
	}
	return module
}

// translate applies the line rewrites. Lines inside triple-quoted
// strings are left alone.
func translate(src string) string {
	lines := strings.Split(src, "\n")
	inString := false
	for i, line := range lines {
		if inString {
			inString = !closesTripleQuote(line)
			continue
		}
		code := stripComment(line)
		if out, ok := rewriteLine(code); ok {
			lines[i] = out
		}
		if opensTripleQuote(code) {
			inString = true
		}
	}
	return strings.Join(lines, "\n")
}

func rewriteLine(line string) (string, bool) {
	if m := raiseLine.FindStringSubmatch(line); m != nil {
		expr := raiseFrom.ReplaceAllString(m[2], "")
		return m[1] + "fail(" + expr + ")", true
	}
	if m := importLine.FindStringSubmatch(line); m != nil {
		nested := m[1] != ""
		var loads []string
		for _, clause := range strings.Split(m[2], ",") {
			name, local := splitAlias(clause)
			if name == "" {
				return "", false
			}
			if builtinModules[name] {
				if local != name {
					loads = append(loads, local+" = "+name)
				}
				continue
			}
			pkg := packageFor(name)
			if local == name {
				local = pkg
			}
			if i := strings.Index(local, "."); i >= 0 {
				local = local[:i]
			}
			if nested {
				loads = append(loads, fmt.Sprintf("%s = %s(%q, %q)", local, importBuiltinName, pkg, pkg))
			} else {
				loads = append(loads, fmt.Sprintf("load(%q, %s=%q)", pkg, local, pkg))
			}
		}
		if len(loads) == 0 {
			return m[1] + "pass", true
		}
		return m[1] + strings.Join(loads, "; "), true
	}
	if m := fromLine.FindStringSubmatch(line); m != nil {
		pkg := packageFor(m[2])
		args := []string{fmt.Sprintf("%q", pkg)}
		var imports []string
		for _, clause := range strings.Split(m[3], ",") {
			name, local := splitAlias(clause)
			if name == "" {
				continue
			}
			imports = append(imports, fmt.Sprintf("%s = %s(%q, %q)", local, importBuiltinName, pkg, name))
			if local == name {
				args = append(args, fmt.Sprintf("%q", name))
			} else {
				args = append(args, fmt.Sprintf("%s=%q", local, name))
			}
		}
		if len(args) == 1 {
			return "", false
		}
		if m[1] != "" {
			return m[1] + strings.Join(imports, "; "), true
		}
		return m[1] + "load(" + strings.Join(args, ", ") + ")", true
	}
	return "", false
}

// splitAlias parses "name" or "name as local".
func splitAlias(clause string) (name, local string) {
	fields := strings.Fields(clause)
	switch {
	case len(fields) == 1:
		return fields[0], fields[0]
	case len(fields) == 3 && fields[1] == "as":
		return fields[0], fields[2]
	}
	return "", ""
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 && !strings.ContainsAny(line[:i], `"'`) {
		return line[:i]
	}
	return line
}

func opensTripleQuote(line string) bool {
	return (strings.Count(line, `"""`)+strings.Count(line, `'''`))%2 == 1
}

func closesTripleQuote(line string) bool {
	return strings.Contains(line, `"""`) || strings.Contains(line, `'''`)
}
