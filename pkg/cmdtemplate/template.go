// Package cmdtemplate renders shell command lines and batch scripts from
// `{name}` placeholder templates.
package cmdtemplate

import (
	"errors"
	"fmt"
	"strings"
)

// KnownVariables is the placeholder set a driver template may reference
// without declaring it as a profile variable.
var KnownVariables = []string{
	"username",
	"remote_host",
	"job_id",
	"qos",
	"constraint",
	"runtime",
	"env_text",
	"cmd",
	"nodelist",
	"pid",
	"port",
	"account",
	"partition",
	"key_file",
	"log_file",
}

var (
	// ErrMissingVariable indicates a referenced variable has no value.
	ErrMissingVariable = errors.New("missing substitution variable")

	// ErrUnknownVariable indicates a placeholder outside the allowed set.
	ErrUnknownVariable = errors.New("unknown placeholder")

	// ErrSyntax indicates an unbalanced brace.
	ErrSyntax = errors.New("template syntax error")
)

// TemplateError describes a template that cannot be compiled or rendered.
type TemplateError struct {
	// Name identifies the template (e.g. "submit_command"), if known.
	Name string

	// Variable is the offending placeholder, if any.
	Variable string

	// Err is ErrMissingVariable, ErrUnknownVariable or ErrSyntax.
	Err error
}

func (e *TemplateError) Error() string {
	prefix := "template"
	if e.Name != "" {
		prefix = "template " + e.Name
	}
	if e.Variable != "" {
		return fmt.Sprintf("%s: %v {%s}", prefix, e.Err, e.Variable)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// Vars is a Substitution Context: placeholder name to value.
type Vars map[string]string

type part interface {
	append(dst *strings.Builder, vars Vars) error
}

type literalPart string

type varPart string

func (p literalPart) append(dst *strings.Builder, _ Vars) error {
	dst.WriteString(string(p))
	return nil
}

func (p varPart) append(dst *strings.Builder, vars Vars) error {
	v, ok := vars[string(p)]
	if !ok {
		return &TemplateError{Variable: string(p), Err: ErrMissingVariable}
	}
	dst.WriteString(v)
	return nil
}

// Template is a compiled command template.
//
// Supported syntax:
// - `{name}`: substituted from Vars; absent names fail the render
// - `{{` and `}}`: literal `{` and `}`
type Template struct {
	name  string
	text  string
	parts []part
}

// Compile parses text into a Template. When known is non-nil every
// placeholder must be a member of known.
func Compile(name, text string, known []string) (*Template, error) {
	var allowed map[string]bool
	if known != nil {
		allowed = make(map[string]bool, len(known))
		for _, k := range known {
			allowed[k] = true
		}
	}

	var parts []part
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, literalPart(lit.String()))
			lit.Reset()
		}
	}

	s := text
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, "{{"):
			lit.WriteByte('{')
			s = s[2:]
		case strings.HasPrefix(s, "}}"):
			lit.WriteByte('}')
			s = s[2:]
		case s[0] == '}':
			return nil, &TemplateError{Name: name, Err: ErrSyntax}
		case s[0] == '{':
			closeIdx := strings.IndexByte(s, '}')
			if closeIdx == -1 {
				return nil, &TemplateError{Name: name, Err: ErrSyntax}
			}
			v := s[1:closeIdx]
			if v == "" || strings.ContainsAny(v, "{ \t\n") {
				return nil, &TemplateError{Name: name, Variable: v, Err: ErrSyntax}
			}
			if allowed != nil && !allowed[v] {
				return nil, &TemplateError{Name: name, Variable: v, Err: ErrUnknownVariable}
			}
			flush()
			parts = append(parts, varPart(v))
			s = s[closeIdx+1:]
		default:
			next := strings.IndexAny(s, "{}")
			if next == -1 {
				next = len(s)
			}
			lit.WriteString(s[:next])
			s = s[next:]
		}
	}
	flush()

	return &Template{name: name, text: text, parts: parts}, nil
}

// MustCompile is like Compile but panics on error. Intended for defaults.
func MustCompile(name, text string, known []string) *Template {
	t, err := Compile(name, text, known)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the template name given at compile time.
func (t *Template) Name() string {
	return t.name
}

// String returns the source text.
func (t *Template) String() string {
	return t.text
}

// Variables lists referenced placeholders in order of first use.
func (t *Template) Variables() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range t.parts {
		if v, ok := p.(varPart); ok && !seen[string(v)] {
			seen[string(v)] = true
			out = append(out, string(v))
		}
	}
	return out
}

// Render substitutes vars into the template.
func (t *Template) Render(vars Vars) (string, error) {
	var b strings.Builder
	for _, p := range t.parts {
		if err := p.append(&b, vars); err != nil {
			var te *TemplateError
			if errors.As(err, &te) && te.Name == "" {
				te.Name = t.name
			}
			return "", err
		}
	}
	return b.String(), nil
}

// Render compiles and renders text in one step without a known-set check.
func Render(text string, vars Vars) (string, error) {
	t, err := Compile("", text, nil)
	if err != nil {
		return "", err
	}
	return t.Render(vars)
}

// WithExtra returns KnownVariables plus extra names.
func WithExtra(extra ...string) []string {
	out := make([]string, 0, len(KnownVariables)+len(extra))
	out = append(out, KnownVariables...)
	return append(out, extra...)
}
