package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"raise ValueError('boom')", "fail(ValueError('boom'))"},
		{"    raise KeyError(k) from err", "    fail(KeyError(k))"},
		{"import csv", `load("csv", csv="csv")`},
		{"import csv, yaml as y", `load("csv", csv="csv"); load("yaml", y="yaml")`},
		{"import matplotlib.pyplot as plt", `load("plot", plt="plot")`},
		{"import numpy.linalg", `load("numpy.linalg", numpy="numpy.linalg")`},
		{"import math", "pass"},
		{"import os.path", "pass"},
		{"import os as o", "o = os"},
		{"from csv import dumps, reader as r", `load("csv", "dumps", r="reader")`},
		{"from plot import (figure, savefig)", `load("plot", "figure", "savefig")`},
		{"import csv  # for reading", `load("csv", csv="csv")`},
		{"    import csv", `    csv = __import__("csv", "csv")`},
		{"  import matplotlib.pyplot as plt, math", `  plt = __import__("plot", "plot")`},
		{"    import math", "    pass"},
		{"\tfrom csv import reader as r, dumps", "\tr = __import__(\"csv\", \"reader\"); dumps = __import__(\"csv\", \"dumps\")"},
		{"x = 'raise ValueError'", "x = 'raise ValueError'"},
		{"print('import csv')", "print('import csv')"},
		{"reraise = 1", "reraise = 1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, translate(tt.in), tt.in)
	}
}

func TestTranslateKeepsLineCount(t *testing.T) {
	src := "import csv\nx = 1\nraise ValueError(x)\n"
	out := translate(src)
	assert.Equal(t, strings.Count(src, "\n"), strings.Count(out, "\n"))
}

func TestTranslateSkipsTripleQuotedStrings(t *testing.T) {
	src := "doc = \"\"\"\nimport csv\nraise ValueError\n\"\"\"\nimport csv"
	want := "doc = \"\"\"\nimport csv\nraise ValueError\n\"\"\"\nload(\"csv\", csv=\"csv\")"
	assert.Equal(t, want, translate(src))
}
