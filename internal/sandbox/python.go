package sandbox

import (
	"context"

	"github.com/steveyegge/mend/internal/types"
)

type pythonRunner struct{}

func (pythonRunner) ScanForbidden(code, testCode string) *Violation {
	return scanPython(code, testCode)
}

// Run writes the guard prelude, the code and the tests into one script and runs it.
// Tests signal failure by raising (assert), which exits non-zero.
func (pythonRunner) Run(ctx context.Context, ws *Workspace, code, testCode string) types.SandboxResult {
	python, ok := ws.Lookup("python3", "python")
	if !ok {
		return unavailable(types.LangPython, "python3", "python")
	}

	script := pythonGuardScript(ws.MaxMemoryMB) + "\n" + code + "\n\n" + testCode + "\n"
	if err := ws.WriteFile("main.py", script); err != nil {
		return failed(err.Error())
	}

	// -E ignores PYTHON* variables, -s skips user site-packages, -B avoids .pyc files
	res := ws.Exec(ctx, 1, python, []string{"-E", "-s", "-B", "main.py"},
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
	)
	return classify(res, "python")
}
