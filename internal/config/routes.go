package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cryguy/runspace/internal/core"
	"gopkg.in/yaml.v3"
)

// Route kinds.
const (
	KindHTTP   = "http"
	KindSignal = "signal"
)

// Routes is the YAML route table served by runspaced.
//
//	libraries:
//	  greet: |
//	    function greet(n) { return "hello " + n; }
//	functions:
//	  - name: double
//	    language: expr
//	    params: [x]
//	    body: x * 2
//	routes:
//	  - pattern: GET /hello/{name}
//	    language: js
//	    imports: [greet]
//	    script: return greet(name);
//	  - pattern: /ws/echo
//	    kind: signal
//	    language: shell
//	    file: scripts/echo.sh
type Routes struct {
	Libraries map[string]string `yaml:"libraries"`
	Functions []Function        `yaml:"functions"`
	Routes    []Route           `yaml:"routes"`
}

// Function is a user-defined function callable from every script of its
// language.
type Function struct {
	Name     string   `yaml:"name"`
	Language string   `yaml:"language"`
	Params   []string `yaml:"params"`
	Body     string   `yaml:"body"`
}

// Route mounts one script.
type Route struct {
	Pattern  string         `yaml:"pattern"`
	Kind     string         `yaml:"kind"`
	Name     string         `yaml:"name"`
	Language string         `yaml:"language"`
	Script   string         `yaml:"script"`
	File     string         `yaml:"file"`
	Imports  []string       `yaml:"imports"`
	Args     map[string]any `yaml:"args"`

	// Signal routes only.
	Origins     []string      `yaml:"origins"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// LoadRoutes reads and validates the route table at path. Script files are
// resolved relative to the table's directory and read eagerly.
func LoadRoutes(path string) (*Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routes: %w", err)
	}
	rt, err := ParseRoutes(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rt, nil
}

// ParseRoutes decodes a route table; dir anchors relative script files.
func ParseRoutes(data []byte, dir string) (*Routes, error) {
	var rt Routes
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("parsing routes: %w", err)
	}
	seen := make(map[string]bool, len(rt.Routes))
	for i := range rt.Routes {
		r := &rt.Routes[i]
		if r.Pattern == "" {
			return nil, fmt.Errorf("route %d: pattern is required", i)
		}
		if seen[r.Pattern] {
			return nil, fmt.Errorf("route %q: duplicate pattern", r.Pattern)
		}
		seen[r.Pattern] = true
		switch r.Kind {
		case "":
			r.Kind = KindHTTP
		case KindHTTP, KindSignal:
		default:
			return nil, fmt.Errorf("route %q: unknown kind %q", r.Pattern, r.Kind)
		}
		if r.Language != "" {
			if _, ok := core.ParseLanguage(r.Language); !ok {
				return nil, fmt.Errorf("route %q: unknown language %q", r.Pattern, r.Language)
			}
		}
		if (r.Script == "") == (r.File == "") {
			return nil, fmt.Errorf("route %q: exactly one of script and file is required", r.Pattern)
		}
		if r.File != "" {
			file := r.File
			if !filepath.IsAbs(file) {
				file = filepath.Join(dir, file)
			}
			text, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", r.Pattern, err)
			}
			r.Script = string(text)
			if r.Language == "" {
				r.Language = languageFromExt(file)
			}
		}
		for _, lib := range r.Imports {
			if _, ok := rt.Libraries[lib]; !ok {
				return nil, fmt.Errorf("route %q: unknown import %q", r.Pattern, lib)
			}
		}
	}
	for i, fn := range rt.Functions {
		if fn.Name == "" {
			return nil, fmt.Errorf("function %d: name is required", i)
		}
		if fn.Language != "" {
			if _, ok := core.ParseLanguage(fn.Language); !ok {
				return nil, fmt.Errorf("function %q: unknown language %q", fn.Name, fn.Language)
			}
		}
	}
	return &rt, nil
}

func languageFromExt(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".js", ".mjs":
		return string(core.LangJavaScript)
	case ".ts":
		return string(core.LangTypeScript)
	case ".sh", ".bash":
		return string(core.LangShell)
	case ".expr":
		return string(core.LangExpr)
	case ".jq":
		return string(core.LangJQ)
	}
	return ""
}

// Source converts r into a script unit; an empty language falls back to
// the host default.
func (r Route) Source() core.Source {
	lang, _ := core.ParseLanguage(r.Language)
	name := r.Name
	if name == "" {
		name = r.Pattern
	}
	return core.Source{
		Name:     name,
		Language: lang,
		Text:     r.Script,
		Imports:  r.Imports,
		Args:     r.Args,
	}
}

// Definitions converts the table's functions.
func (rt *Routes) Definitions() []core.FunctionDef {
	out := make([]core.FunctionDef, 0, len(rt.Functions))
	for _, fn := range rt.Functions {
		lang, _ := core.ParseLanguage(fn.Language)
		out = append(out, core.FunctionDef{
			Name:     fn.Name,
			Language: lang,
			Params:   fn.Params,
			Body:     fn.Body,
		})
	}
	return out
}
