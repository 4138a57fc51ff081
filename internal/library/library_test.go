package library

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const testHome = "/home/sandbox"

type testHost struct {
	fs      afero.Fs
	stdout  strings.Builder
	stderr  strings.Builder
	closers []func() error
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	h := &testHost{fs: afero.NewMemMapFs()}
	require.NoError(t, h.fs.MkdirAll(testHome, 0o755))
	t.Cleanup(func() {
		for _, fn := range h.closers {
			fn()
		}
	})
	return h
}

func (h *testHost) FS() afero.Fs                     { return h.fs }
func (h *testHost) Home() string                     { return testHome }
func (h *testHost) Resolve(p string) (string, error) { return ResolveUnder(testHome, p) }
func (h *testHost) Stdout() io.Writer                { return &h.stdout }
func (h *testHost) Stderr() io.Writer                { return &h.stderr }
func (h *testHost) OnClose(fn func() error)          { h.closers = append(h.closers, fn) }

// run executes src with the builtins and the default registry wired up.
func run(t *testing.T, h *testHost, src string) (starlark.StringDict, error) {
	t.Helper()
	reg := DefaultRegistry()
	thread := &starlark.Thread{
		Name:  "test",
		Print: func(_ *starlark.Thread, msg string) { h.stdout.WriteString(msg + "\n") },
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			p, ok := reg.Lookup(module)
			if !ok {
				return nil, fmt.Errorf("no package %q", module)
			}
			return p.Load(h)
		},
	}
	opts := &syntax.FileOptions{Set: true, While: true, TopLevelControl: true, GlobalReassign: true}
	return starlark.ExecFileOptions(opts, thread, "test.star", src, Builtins(h))
}

func TestResolveUnder(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a.txt", want: testHome + "/a.txt"},
		{in: "dir/b.txt", want: testHome + "/dir/b.txt"},
		{in: testHome + "/c.txt", want: testHome + "/c.txt"},
		{in: ".", want: testHome},
		{in: "../escape", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "a/../../b", wantErr: true},
		{in: "bad\x00name", wantErr: true},
		{in: `dir\..\..\x`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ResolveUnder(testHome, tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"csv", "plot", "sqlite", "uuid", "yaml"}, r.Names())

	_, ok := r.Lookup("numpy")
	assert.False(t, ok)

	err := r.Register(CSVPackage())
	assert.Error(t, err, "duplicate names are rejected")

	err = r.Register(Package{Name: "empty"})
	assert.Error(t, err)
}

func TestOpenReadWrite(t *testing.T) {
	h := newTestHost(t)
	_, err := run(t, h, `
f = open("out.txt", "w")
f.write("hello\n")
f.write("world\n")
f.close()
lines = open("out.txt").readlines()
print(len(lines), lines[1].strip())
`)
	require.NoError(t, err)
	assert.Equal(t, "2 world\n", h.stdout.String())

	data, err := afero.ReadFile(h.fs, testHome+"/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(data))
}

func TestOpenMissingFile(t *testing.T) {
	h := newTestHost(t)
	_, err := run(t, h, `open("nope.txt").read()`)
	require.Error(t, err)

	var exc *Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, "FileNotFoundError", exc.Kind)
}

func TestOpenOutsideHome(t *testing.T) {
	h := newTestHost(t)
	_, err := run(t, h, `open("/etc/passwd")`)
	var exc *Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, "PermissionError", exc.Kind)
}

func TestFailKeepsExceptionType(t *testing.T) {
	h := newTestHost(t)

	tests := []struct {
		src      string
		wantKind string
		wantMsg  string
	}{
		{src: `fail(ValueError("boom"))`, wantKind: "ValueError", wantMsg: "boom"},
		{src: `fail(KeyError)`, wantKind: "KeyError"},
		{src: `fail("plain", "words")`, wantKind: "Error", wantMsg: "plain words"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := run(t, h, tt.src)
			var exc *Exception
			require.True(t, errors.As(err, &exc), "got %v", err)
			assert.Equal(t, tt.wantKind, exc.Kind)
			assert.Equal(t, tt.wantMsg, exc.Msg)
		})
	}
}

func TestOSModule(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, afero.WriteFile(h.fs, testHome+"/a.csv", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(h.fs, testHome+"/sub/b.csv", []byte("yy"), 0o644))

	_, err := run(t, h, `
print(sorted(os.listdir(".")))
print(os.glob("**/*.csv"))
print(os.path.exists("sub/b.csv"), os.path.isdir("sub"), os.path.getsize("sub/b.csv"))
os.makedirs("new/deep")
os.rename("a.csv", "new/deep/a.csv")
os.remove("sub/b.csv")
print(os.path.exists("a.csv"), os.path.isfile("new/deep/a.csv"))
print(os.path.join("a", "b.txt"), os.path.splitext("x.tar.gz"))
print(os.path.exists("/etc/passwd"))
`)
	require.NoError(t, err)
	assert.Equal(t, `["a.csv", "sub"]
["a.csv", "sub/b.csv"]
True True 2
False True
a/b.txt ("x.tar", ".gz")
False
`, h.stdout.String())
}

func TestSysStreams(t *testing.T) {
	h := newTestHost(t)
	_, err := run(t, h, `
sys.stdout.write("out")
sys.stderr.write("err")
`)
	require.NoError(t, err)
	assert.Equal(t, "out", h.stdout.String())
	assert.Equal(t, "err", h.stderr.String())
}

func TestCSVPackage(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, afero.WriteFile(h.fs, testHome+"/data.csv", []byte("name,score\nada,3\nbob,5\n"), 0o644))

	_, err := run(t, h, `
load("csv", "csv")
rows = csv.read_dicts("data.csv")
total = 0
for r in rows:
    total += int(r["score"])
csv.write_file("summary.csv", [["total", total]])
print(total, csv.reader("a;b", delimiter=";"))
`)
	require.NoError(t, err)
	assert.Equal(t, "8 [[\"a\", \"b\"]]\n", h.stdout.String())

	data, err := afero.ReadFile(h.fs, testHome+"/summary.csv")
	require.NoError(t, err)
	assert.Equal(t, "total,8\n", string(data))
}

func TestYAMLAndUUIDPackages(t *testing.T) {
	h := newTestHost(t)
	_, err := run(t, h, `
load("yaml", "yaml")
load("uuid", "uuid4", "parse")
doc = yaml.loads("b: [1, 2]\na: x\n")
print(doc["a"], doc["b"][1])
print(yaml.dumps({"k": True}).strip())
id = uuid4()
print(parse(id.upper()) == id)
`)
	require.NoError(t, err)
	assert.Equal(t, "x 2\nk: true\nTrue\n", h.stdout.String())
}

func TestSQLitePackage(t *testing.T) {
	h := newTestHost(t)
	_, err := run(t, h, `
load("sqlite", "connect")
db = connect()
db.execute("CREATE TABLE t (name TEXT, n INTEGER)")
db.execute("INSERT INTO t VALUES (?, ?), (?, ?)", ["a", 1, "b", 2])
rows = db.query("SELECT name, n FROM t WHERE n > ? ORDER BY n", [0])
print([r["name"] for r in rows], rows[1]["n"])
`)
	require.NoError(t, err)
	assert.Equal(t, "[\"a\", \"b\"] 2\n", h.stdout.String())
	assert.Len(t, h.closers, 1, "connection is closed with the environment")
}

func TestUnknownPackage(t *testing.T) {
	h := newTestHost(t)
	_, err := run(t, h, `load("numpy", "array")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot load numpy")
}
