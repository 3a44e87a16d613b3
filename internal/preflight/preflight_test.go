package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/reelgate/internal/config"
	"github.com/dusk-indust/reelgate/internal/job"
)

const pyScript = `import sys

@cli.command()
def produce_outline(slug):
    return slug

def main():
    produce_outline(sys.argv[1])

if __name__ == "__main__":
    main()
`

func newTestInspector() *Inspector {
	in := NewInspector()
	in.lookPath = func(name string) (string, error) {
		if name == "missing-binary" {
			return "", errors.New("executable file not found in $PATH")
		}
		return "/usr/bin/" + name, nil
	}
	return in
}

func TestInspect_Python(t *testing.T) {
	rep, err := newTestInspector().Inspect(context.Background(), "outline.py", []byte(pyScript), LangPython)
	require.NoError(t, err)
	assert.Equal(t, []string{"produce_outline", "main"}, rep.Functions)
	assert.True(t, rep.HasMainGuard)
	assert.False(t, rep.SyntaxError)
}

func TestInspect_Go(t *testing.T) {
	src := "package main\n\nfunc helper() {}\n\nfunc main() { helper() }\n"
	rep, err := newTestInspector().Inspect(context.Background(), "main.go", []byte(src), LangGo)
	require.NoError(t, err)
	assert.Equal(t, []string{"helper", "main"}, rep.Functions)
}

func TestInspect_TypeScriptExported(t *testing.T) {
	src := "export function render(slug: string): void {}\nfunction local() {}\n"
	rep, err := newTestInspector().Inspect(context.Background(), "render.ts", []byte(src), LangTypeScript)
	require.NoError(t, err)
	assert.Equal(t, []string{"render", "local"}, rep.Functions)
}

func TestInspect_Rust(t *testing.T) {
	src := "fn main() {\n    println!(\"hi\");\n}\n"
	rep, err := newTestInspector().Inspect(context.Background(), "main.rs", []byte(src), LangRust)
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, rep.Functions)
}

func TestInspect_SyntaxError(t *testing.T) {
	rep, err := newTestInspector().Inspect(context.Background(), "bad.py", []byte("def broken(:\n"), LangPython)
	require.NoError(t, err)
	assert.True(t, rep.SyntaxError)
}

func TestInspect_UnsupportedLanguage(t *testing.T) {
	_, err := newTestInspector().Inspect(context.Background(), "x.rb", nil, Language("ruby"))
	assert.Error(t, err)
}

func TestCheck_ReportsEveryProblem(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "outline.py"), []byte(pyScript), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "script.py"), []byte("def other():\n    pass\n"), 0o644))

	cfg := config.Default()
	cfg.WorkDir = work
	cfg.Stages["outline"] = config.StageCommand{Command: []string{"python"}, Script: "outline.py", Entrypoint: "main"}
	cfg.Stages["script"] = config.StageCommand{Command: []string{"python"}, Script: "script.py", Entrypoint: "main"}
	cfg.Stages["audio"] = config.StageCommand{Command: []string{"missing-binary"}}

	reports, err := newTestInspector().Check(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script: script.py does not define main()")
	assert.Contains(t, err.Error(), `audio: command "missing-binary"`)
	assert.NotContains(t, err.Error(), "outline")

	require.Len(t, reports, 2)
	assert.Equal(t, job.StageOutline, reports[0].Stage)
	assert.Equal(t, job.StageScript, reports[1].Stage)
}

func TestCheck_NoCommandsIsClean(t *testing.T) {
	reports, err := newTestInspector().Check(context.Background(), config.Default())
	assert.NoError(t, err)
	assert.Empty(t, reports)
}
