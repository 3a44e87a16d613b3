// Package preflight checks configured stage programs before a job is started:
// the command must resolve on PATH, and when a script file is configured it
// must parse cleanly and define the expected entrypoint.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"

	"github.com/dusk-indust/reelgate/internal/config"
	"github.com/dusk-indust/reelgate/internal/job"
)

// Language identifies a stage script language.
type Language string

const (
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangRust       Language = "rust"
	LangTypeScript Language = "typescript"
)

// languageByExt maps file extensions to languages.
var languageByExt = map[string]Language{
	".go": LangGo,
	".py": LangPython,
	".rs": LangRust,
	".ts": LangTypeScript,
}

// Report describes one inspected stage script.
type Report struct {
	Stage        job.Stage `json:"stage"`
	Path         string    `json:"path"`
	Language     Language  `json:"language"`
	Functions    []string  `json:"functions"`
	HasMainGuard bool      `json:"has_main_guard,omitempty"`
	SyntaxError  bool      `json:"syntax_error,omitempty"`
}

// Inspector parses stage scripts with tree-sitter grammars. A new parser is
// created per Inspect call, so an Inspector is safe for sequential use only.
type Inspector struct {
	languages map[Language]*tree_sitter.Language
	lookPath  func(string) (string, error)
}

// NewInspector creates an Inspector with Go, TypeScript, Python, and Rust
// grammars registered.
func NewInspector() *Inspector {
	return &Inspector{
		languages: map[Language]*tree_sitter.Language{
			LangGo:         tree_sitter.NewLanguage(tree_sitter_go.Language()),
			LangTypeScript: tree_sitter.NewLanguage(tree_sitter_typescript.LanguageTypescript()),
			LangPython:     tree_sitter.NewLanguage(tree_sitter_python.Language()),
			LangRust:       tree_sitter.NewLanguage(tree_sitter_rust.Language()),
		},
		lookPath: exec.LookPath,
	}
}

// Inspect parses source as lang and lists its top-level functions.
func (in *Inspector) Inspect(_ context.Context, path string, source []byte, lang Language) (*Report, error) {
	tsLang, ok := in.languages[lang]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", lang)
	}

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(tsLang); err != nil {
		return nil, fmt.Errorf("set language %s: %w", lang, err)
	}

	tree := parser.Parse(source, nil)
	if tree == nil {
		return nil, fmt.Errorf("tree-sitter returned nil tree for %s", path)
	}
	defer tree.Close()

	root := tree.RootNode()
	rep := &Report{
		Path:        path,
		Language:    lang,
		SyntaxError: root.HasError(),
	}
	for i := uint(0); i < root.ChildCount(); i++ {
		child := root.Child(i)
		if child == nil {
			continue
		}
		if name := topLevelFunction(child, source, lang); name != "" {
			rep.Functions = append(rep.Functions, name)
		}
		if lang == LangPython && child.Kind() == "if_statement" && isMainGuard(child, source) {
			rep.HasMainGuard = true
		}
	}
	return rep, nil
}

// topLevelFunction returns the name of the function declared by node, if any.
func topLevelFunction(node *tree_sitter.Node, source []byte, lang Language) string {
	kind := node.Kind()
	switch lang {
	case LangPython:
		if kind == "decorated_definition" {
			if def := node.ChildByFieldName("definition"); def != nil {
				return topLevelFunction(def, source, lang)
			}
			return ""
		}
		if kind != "function_definition" {
			return ""
		}
	case LangGo:
		if kind != "function_declaration" {
			return ""
		}
	case LangRust:
		if kind != "function_item" {
			return ""
		}
	case LangTypeScript:
		if kind == "export_statement" {
			if decl := node.ChildByFieldName("declaration"); decl != nil {
				return topLevelFunction(decl, source, lang)
			}
			return ""
		}
		if kind != "function_declaration" {
			return ""
		}
	}
	name := node.ChildByFieldName("name")
	if name == nil {
		return ""
	}
	return name.Utf8Text(source)
}

func isMainGuard(node *tree_sitter.Node, source []byte) bool {
	cond := node.ChildByFieldName("condition")
	if cond == nil {
		return false
	}
	text := cond.Utf8Text(source)
	return strings.Contains(text, "__name__") && strings.Contains(text, "__main__")
}

// CheckStage verifies the program configured for one stage. A stage without
// a command is skipped.
func (in *Inspector) CheckStage(ctx context.Context, workDir string, stage job.Stage, sc config.StageCommand) (*Report, error) {
	if len(sc.Command) == 0 {
		return nil, nil
	}
	if _, err := in.lookPath(sc.Command[0]); err != nil {
		return nil, fmt.Errorf("%s: command %q: %w", stage, sc.Command[0], err)
	}
	if sc.Script == "" {
		return nil, nil
	}

	path := sc.Script
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	lang, ok := languageByExt[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("%s: unsupported script type %q", stage, filepath.Ext(path))
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: read script: %w", stage, err)
	}

	rep, err := in.Inspect(ctx, path, source, lang)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", stage, err)
	}
	rep.Stage = stage
	if rep.SyntaxError {
		return rep, fmt.Errorf("%s: %s has syntax errors", stage, sc.Script)
	}
	if sc.Entrypoint != "" && !slices.Contains(rep.Functions, sc.Entrypoint) {
		return rep, fmt.Errorf("%s: %s does not define %s()", stage, sc.Script, sc.Entrypoint)
	}
	return rep, nil
}

// Check runs CheckStage for every stage in cfg and joins the failures.
func (in *Inspector) Check(ctx context.Context, cfg *config.Config) ([]Report, error) {
	var (
		reports []Report
		errs    []error
	)
	for _, stage := range job.Stages() {
		rep, err := in.CheckStage(ctx, cfg.WorkDir, stage, cfg.StageCommand(stage))
		if rep != nil {
			reports = append(reports, *rep)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}
