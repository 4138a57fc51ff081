package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// InputFile is a caller-supplied file written into the home directory
// before execution.
type InputFile struct {
	Filename string
	Data     []byte
}

// OutputFile is a file the executed code left behind.
type OutputFile struct {
	Filename string
	Data     []byte
}

// wireFile is the JSON form shared by input and output files.
type wireFile struct {
	Filename string  `json:"filename"`
	B64Data  *string `json:"b64_data"`
}

func marshalFile(name string, data []byte) ([]byte, error) {
	enc := base64.StdEncoding.EncodeToString(data)
	return json.Marshal(wireFile{Filename: name, B64Data: &enc})
}

func unmarshalFile(b []byte) (string, []byte, error) {
	var w wireFile
	if err := json.Unmarshal(b, &w); err != nil {
		return "", nil, err
	}
	if w.B64Data == nil {
		// Data stays nil; validation reports the malformed entry.
		return w.Filename, nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(*w.B64Data)
	if err != nil {
		return "", nil, fmt.Errorf("decoding b64_data for %q: %w", w.Filename, err)
	}
	if data == nil {
		data = []byte{}
	}
	return w.Filename, data, nil
}

func (f InputFile) MarshalJSON() ([]byte, error) { return marshalFile(f.Filename, f.Data) }

func (f *InputFile) UnmarshalJSON(b []byte) error {
	name, data, err := unmarshalFile(b)
	if err != nil {
		return err
	}
	f.Filename, f.Data = name, data
	return nil
}

func (f OutputFile) MarshalJSON() ([]byte, error) { return marshalFile(f.Filename, f.Data) }

func (f *OutputFile) UnmarshalJSON(b []byte) error {
	name, data, err := unmarshalFile(b)
	if err != nil {
		return err
	}
	f.Filename, f.Data = name, data
	return nil
}

// ExecutionRequest is one unit of work.
type ExecutionRequest struct {
	Code  string      `json:"code"`
	Files []InputFile `json:"files,omitempty"`
}

// ErrorInfo describes why an execution failed.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ExecutionResult is produced exactly once per request. Failures have the
// same shape as successes, differing only in Success and Error.
type ExecutionResult struct {
	Success         bool         `json:"success"`
	FinalExpression *string      `json:"final_expression"`
	OutputFiles     []OutputFile `json:"output_files"`
	StdOut          string       `json:"std_out"`
	StdErr          string       `json:"std_err"`
	Error           *ErrorInfo   `json:"error"`
	CodeRuntime     int64        `json:"code_runtime"`
}

// MarshalJSON keeps output_files an array even when empty.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type plain ExecutionResult
	p := plain(r)
	if p.OutputFiles == nil {
		p.OutputFiles = []OutputFile{}
	}
	return json.Marshal(p)
}

// Engine runs execution requests. *Manager is the production implementation.
type Engine interface {
	Exec(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}
