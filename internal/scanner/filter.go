package scanner

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// FileAttrs is what a filter expression can see about a file.
type FileAttrs struct {
	Path string // inventory path, e.g. "/photos/a.jpg"
	Name string
	Ext  string // lowercase, with the dot
	Size int64
	Dir  string
}

// Filter is a compiled CEL predicate over FileAttrs.
type Filter struct {
	expr    string
	program cel.Program
}

// CompileFilter type-checks expr against the file attribute variables
// path, name, ext, dir (string) and size (int). The expression must
// evaluate to a bool.
func CompileFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("ext", cel.StringType),
		cel.Variable("dir", cel.StringType),
		cel.Variable("size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("cel compile: filter %q yields %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Filter{expr: expr, program: prog}, nil
}

// Match evaluates the filter. Evaluation errors count as no match.
func (f *Filter) Match(a FileAttrs) bool {
	out, _, err := f.program.Eval(map[string]any{
		"path": a.Path,
		"name": a.Name,
		"ext":  a.Ext,
		"dir":  a.Dir,
		"size": a.Size,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (f *Filter) String() string { return f.expr }
