package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "data.csv", want: "data.csv"},
		{name: "dir/data.csv", want: "dir/data.csv"},
		{name: `dir\data.csv`, want: "dir/data.csv"},
		{name: "./a/./b.txt", want: "a/b.txt"},
		{name: "a//b.txt", want: "a/b.txt"},
		{name: "", wantErr: true},
		{name: ".", wantErr: true},
		{name: "dir/", wantErr: true},
		{name: "/etc/passwd", wantErr: true},
		{name: `C:\windows\win.ini`, wantErr: true},
		{name: "../secret", wantErr: true},
		{name: "a/../../secret", wantErr: true},
		{name: `a\..\..\secret`, wantErr: true},
		{name: "a/../b", wantErr: true},
		{name: "bad\x00name", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateFilename(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsafeFilename)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

var segmentGen = rapid.StringMatching(`[A-Za-z0-9_.-]{1,12}`).Filter(func(s string) bool {
	return s != "." && s != ".."
})

func TestValidateFilenameProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		segs := rapid.SliceOfN(segmentGen, 1, 4).Draw(t, "segments")
		name := strings.Join(segs, "/")

		got, err := ValidateFilename(name)
		if err != nil {
			t.Fatalf("safe name %q rejected: %v", name, err)
		}
		if got != name {
			t.Fatalf("safe name %q normalized to %q", name, got)
		}

		at := rapid.IntRange(0, len(segs)).Draw(t, "at")
		escaped := append(append(append([]string{}, segs[:at]...), ".."), segs[at:]...)
		if _, err := ValidateFilename(strings.Join(escaped, "/")); err == nil {
			t.Fatalf("name with .. segment accepted: %v", escaped)
		}
	})
}

func TestRequestValidate(t *testing.T) {
	p := DefaultPolicy()
	p.MaxInputFiles = 2
	p.MaxInputBytes = 8

	tests := []struct {
		name    string
		req     ExecutionRequest
		wantErr string
	}{
		{name: "ok", req: ExecutionRequest{Code: "1", Files: []InputFile{{Filename: "a", Data: []byte("1234")}}}},
		{name: "empty code", req: ExecutionRequest{Code: ""}, wantErr: "code is empty"},
		{name: "blank code", req: ExecutionRequest{Code: "   "}, wantErr: "code is empty"},
		{name: "missing name", req: ExecutionRequest{Code: "1", Files: []InputFile{{Data: []byte("x")}}}, wantErr: "empty name"},
		{name: "missing data", req: ExecutionRequest{Code: "1", Files: []InputFile{{Filename: "a"}}}, wantErr: "missing data"},
		{name: "escape", req: ExecutionRequest{Code: "1", Files: []InputFile{{Filename: "../a", Data: []byte{}}}}, wantErr: "escapes"},
		{name: "duplicate", req: ExecutionRequest{Code: "1", Files: []InputFile{
			{Filename: "a", Data: []byte{}}, {Filename: "./a", Data: []byte{}},
		}}, wantErr: "duplicate"},
		{name: "too many", req: ExecutionRequest{Code: "1", Files: []InputFile{
			{Filename: "a", Data: []byte{}}, {Filename: "b", Data: []byte{}}, {Filename: "c", Data: []byte{}},
		}}, wantErr: "exceeds the limit"},
		{name: "too large", req: ExecutionRequest{Code: "1", Files: []InputFile{
			{Filename: "a", Data: []byte("12345")}, {Filename: "b", Data: []byte("6789")},
		}}, wantErr: "limit is 8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(p)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsKind(err, KindRequestValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCollectOutputsExcludesInputsAndDefaults(t *testing.T) {
	env := newTestEnv(t)
	req := ExecutionRequest{Files: []InputFile{{Filename: "data.csv", Data: []byte("a,b\n1,2\n")}}}
	require.NoError(t, env.WriteInputs(req.Files))

	out, err := env.Run(context.Background(), `
rows = csv.read_file("data.csv")
plot.bar([r[0] for r in rows], [1 for r in rows])
plot.savefig("plot.png")
open(".plotrc.yaml", "w").write("width: 1\n")
`)
	require.NoError(t, err)
	require.True(t, out.Success(), "%+v", out.Err)

	files, err := env.CollectOutputs(req.InputNames())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "plot.png", files[0].Filename)
	assert.NotEmpty(t, files[0].Data)
}

func TestCollectOutputsExcludesModifiedInput(t *testing.T) {
	env := newTestEnv(t)
	req := ExecutionRequest{Files: []InputFile{{Filename: "in/notes.txt", Data: []byte("old")}}}
	require.NoError(t, env.WriteInputs(req.Files))

	_, err := env.Run(context.Background(), `open("in/notes.txt", "w").write("new")`)
	require.NoError(t, err)

	files, err := env.CollectOutputs(req.InputNames())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCollectOutputsIsDeterministic(t *testing.T) {
	code := `
for name in ["b.txt", "a.txt", "sub/c.txt"]:
    if "/" in name:
        os.makedirs("sub", exist_ok=True)
    open(name, "w").write(name)
`
	var runs [][]string
	for i := 0; i < 2; i++ {
		env := newTestEnv(t)
		out, err := env.Run(context.Background(), code)
		require.NoError(t, err)
		require.True(t, out.Success(), "%+v", out.Err)

		first, err := env.CollectOutputs(nil)
		require.NoError(t, err)
		again, err := env.CollectOutputs(nil)
		require.NoError(t, err)
		assert.Equal(t, first, again, "collecting must not change the filesystem")

		var names []string
		for _, f := range first {
			names = append(names, f.Filename)
		}
		runs = append(runs, names)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "sub/c.txt"}, runs[0])
	assert.Equal(t, runs[0], runs[1])
}

func TestFileBytesRoundTrip(t *testing.T) {
	b := newTestBootstrapper(t)
	b.Policy.Preload = nil

	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		if data == nil {
			data = []byte{}
		}

		env, err := b.Bootstrap(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		defer env.Close()

		req := ExecutionRequest{
			Code:  `os.rename("in.bin", "out.bin")`,
			Files: []InputFile{{Filename: "in.bin", Data: data}},
		}
		if err := env.WriteInputs(req.Files); err != nil {
			t.Fatal(err)
		}
		out, err := env.Run(context.Background(), req.Code)
		if err != nil || !out.Success() {
			t.Fatalf("run failed: %v %+v", err, out)
		}
		files, err := env.CollectOutputs(req.InputNames())
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != 1 || files[0].Filename != "out.bin" {
			t.Fatalf("unexpected outputs %+v", files)
		}
		if string(files[0].Data) != string(data) {
			t.Fatalf("bytes changed: %x != %x", files[0].Data, data)
		}
	})
}
