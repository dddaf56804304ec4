package jsengine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cryguy/runspace/internal/core"
	"github.com/evanw/esbuild/pkg/api"
)

// program is a script body transpiled into a function expression assigned
// to globalThis.__rs_main.
type program struct {
	lang core.Language
	name string
	code string
}

func (p *program) Language() core.Language { return p.lang }

// wrapBody turns a script body (which may use top-level return) into an
// assignment of a zero-argument function. Preludes share the outer scope so
// their declarations are visible to the body.
func wrapBody(body string, preludes []string) string {
	var b strings.Builder
	b.WriteString("globalThis.__rs_main = function() {\n")
	for _, p := range preludes {
		b.WriteString(p)
		b.WriteString("\n;\n")
	}
	b.WriteString("return (function() {\n")
	b.WriteString(body)
	b.WriteString("\n}).call(this);\n};\n")
	return b.String()
}

// transform runs esbuild over src. JavaScript is only validated and
// lowered; TypeScript has its types stripped.
func transform(lang core.Language, name, src string) (string, error) {
	loader := api.LoaderJS
	if lang == core.LangTypeScript {
		loader = api.LoaderTS
	}
	result := api.Transform(src, api.TransformOptions{
		Loader:     loader,
		Target:     api.ES2020,
		Sourcefile: name,
	})
	if len(result.Errors) > 0 {
		return "", formatMessages(result.Errors)
	}
	return string(result.Code), nil
}

func formatMessages(msgs []api.Message) error {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%d:%d: %s", m.Location.Line, m.Location.Column, m.Text))
		} else {
			parts = append(parts, m.Text)
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

// compile validates and transpiles a script unit.
func compile(lang core.Language, src core.Source, preludes []string) (*program, error) {
	name := src.Name
	if name == "" {
		name = "script.js"
	}
	code, err := transform(lang, name, wrapBody(src.Text, preludes))
	if err != nil {
		return nil, &core.CompilationError{Language: lang, Script: src.Name, Err: err}
	}
	return &program{lang: lang, name: src.Name, code: code}, nil
}

// functionSource builds the JS that installs a user-defined function.
func functionSource(lang core.Language, fn core.FunctionDef) (string, error) {
	js := fmt.Sprintf("globalThis[%s] = function(%s) {\n%s\n};\n",
		core.JsEscape(fn.Name), strings.Join(fn.Params, ", "), fn.Body)
	return transform(lang, fn.Name, js)
}
