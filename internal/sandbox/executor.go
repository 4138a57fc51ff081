package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/michaelbrown/sandcastle/internal/library"
)

// Filename reported for submitted code in tracebacks.
const codeFilename = "<code>"

var fileOptions = &syntax.FileOptions{
	Set:               true,
	While:             true,
	TopLevelControl:   true,
	GlobalReassign:    true,
	Recursion:         true,
	LoadBindsGlobally: true,
}

// RunOutcome is what one run of user code produced. Output buffers are
// read from the environment's Capture.
type RunOutcome struct {
	FinalExpression *string
	Err             *ErrorInfo
	Duration        time.Duration
}

// Success reports whether the code ran to completion.
func (o *RunOutcome) Success() bool { return o.Err == nil }

// Run executes code in the environment. Errors raised by the code are
// reported in the outcome; the returned error is reserved for engine
// faults. An environment runs at most once.
func (e *Environment) Run(ctx context.Context, code string) (out *RunOutcome, err error) {
	if strings.TrimSpace(code) == "" {
		return nil, newError(KindRequestValidation, "run", ErrEmptyCode)
	}
	e.mu.Lock()
	if e.spent || e.closed {
		e.mu.Unlock()
		return nil, newError(KindInternal, "run", ErrEnvironmentSpent)
	}
	e.spent = true
	e.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("interpreter panicked")
			out, err = nil, newError(KindInternal, "run", fmt.Errorf("interpreter panic: %v", r))
		}
		if out != nil {
			out.Duration = time.Since(start)
		}
	}()

	library.SetContext(e.thread, ctx)

	f, perr := fileOptions.Parse(codeFilename, translate(code), 0)
	if perr != nil {
		return e.fail(perr), nil
	}
	e.preloadImports(f)

	var last syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if stmt, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			last = stmt.X
			f.Stmts = f.Stmts[:n-1]
		}
	}

	if len(f.Stmts) > 0 {
		if err := starlark.ExecREPLChunk(f, e.thread, e.globals); err != nil {
			return e.fail(err), nil
		}
	}

	out = &RunOutcome{}
	if last != nil {
		v, err := starlark.EvalExprOptions(fileOptions, e.thread, last, e.globals)
		if err != nil {
			return e.fail(err), nil
		}
		if v != starlark.None {
			s := v.String()
			if str, ok := v.(starlark.String); ok {
				s = string(str)
			}
			out.FinalExpression = &s
		}
	}
	return out, nil
}

// preloadImports loads registered packages named by load statements and
// __import__ calls before execution starts. Unknown names are left for
// the interpreter to report.
func (e *Environment) preloadImports(f *syntax.File) {
	var names []string
	syntax.Walk(f, func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.LoadStmt:
			names = append(names, n.ModuleName())
		case *syntax.CallExpr:
			if fn, ok := n.Fn.(*syntax.Ident); ok && fn.Name == importBuiltinName && len(n.Args) > 0 {
				if lit, ok := n.Args[0].(*syntax.Literal); ok && lit.Token == syntax.STRING {
					names = append(names, lit.Value.(string))
				}
			}
		}
		return true
	})
	for _, name := range names {
		if e.Loaded(name) {
			continue
		}
		if _, ok := e.packages.Lookup(name); !ok {
			e.logger.Debug().Str("package", name).Msg("unknown package, deferring to load")
			continue
		}
		if err := e.Preload(name); err != nil {
			e.logger.Warn().Err(err).Str("package", name).Msg("preload failed")
		}
	}
}

// fail records err on stderr and turns it into an outcome.
func (e *Environment) fail(err error) *RunOutcome {
	info, trace := describeError(err)
	fmt.Fprintln(e.capture.Stderr(), trace)
	return &RunOutcome{Err: info}
}

var (
	undefinedName = regexp.MustCompile(`^undefined: (\w+)$`)
	missingKey    = regexp.MustCompile(`^key .+ not in `)
	missingAttr   = regexp.MustCompile(` has no \.?\w+ (field or method|attribute)`)
)

// describeError maps an interpreter error onto a Python-style error type
// and a traceback for stderr.
func describeError(err error) (*ErrorInfo, string) {
	trace := err.Error()
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		trace = ee.Backtrace()
	}

	var exc *library.Exception
	if errors.As(err, &exc) {
		return &ErrorInfo{Type: exc.Kind, Message: exc.Msg}, trace
	}

	var rerrs resolve.ErrorList
	if errors.As(err, &rerrs) {
		first := rerrs[0]
		trace = fmt.Sprintf("  File %s\nSyntaxError: %s", first.Pos, first.Msg)
		if m := undefinedName.FindStringSubmatch(first.Msg); m != nil {
			return &ErrorInfo{Type: "NameError", Message: fmt.Sprintf("name '%s' is not defined", m[1])},
				fmt.Sprintf("  File %s\nNameError: name '%s' is not defined", first.Pos, m[1])
		}
		return &ErrorInfo{Type: "SyntaxError", Message: rerrs.Error()}, trace
	}

	var serr syntax.Error
	if errors.As(err, &serr) {
		return &ErrorInfo{Type: "SyntaxError", Message: serr.Error()},
			fmt.Sprintf("  File %s\nSyntaxError: %s", serr.Pos, serr.Msg)
	}

	if ee != nil {
		return &ErrorInfo{Type: classifyMessage(ee.Msg), Message: ee.Msg}, trace
	}
	return &ErrorInfo{Type: "Error", Message: err.Error()}, trace
}

func classifyMessage(msg string) string {
	switch {
	case strings.Contains(msg, "too many steps"):
		return "TimeoutError"
	case strings.Contains(msg, "computation cancelled"):
		return "InterruptedError"
	case strings.HasPrefix(msg, "cannot load "), strings.HasPrefix(msg, "load: "):
		return "ImportError"
	case strings.Contains(msg, "division by zero"), strings.Contains(msg, "modulo by zero"):
		return "ZeroDivisionError"
	case missingKey.MatchString(msg):
		return "KeyError"
	case strings.Contains(msg, "out of range"):
		return "IndexError"
	case missingAttr.MatchString(msg):
		return "AttributeError"
	case strings.Contains(msg, "unknown binary op"),
		strings.Contains(msg, "unsupported"),
		strings.Contains(msg, "not callable"),
		strings.Contains(msg, "not iterable"),
		strings.Contains(msg, "for parameter"),
		strings.Contains(msg, "got ") && strings.Contains(msg, "want "):
		return "TypeError"
	case strings.Contains(msg, "recursion"):
		return "RecursionError"
	}
	return "EvalError"
}
