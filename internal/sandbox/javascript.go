package sandbox

import (
	"context"
	"fmt"

	"github.com/steveyegge/mend/internal/types"
)

const jsGuardFile = "sandbox-guard.cjs"

type javascriptRunner struct{}

func (javascriptRunner) ScanForbidden(code, testCode string) *Violation {
	return scanJS(types.LangJavaScript, code, testCode)
}

// Run concatenates code and tests into one CommonJS file and runs it under node
// with the module guard preloaded.
func (javascriptRunner) Run(ctx context.Context, ws *Workspace, code, testCode string) types.SandboxResult {
	node, ok := ws.Lookup("node", "nodejs")
	if !ok {
		return unavailable(types.LangJavaScript, "node", "nodejs")
	}
	if err := writeJSGuard(ws); err != nil {
		return failed(err.Error())
	}
	if err := ws.WriteFile("main.cjs", code+"\n\n"+testCode+"\n"); err != nil {
		return failed(err.Error())
	}
	return classify(runNode(ctx, ws, node, nil, "main.cjs"), "node")
}

// runNode runs a script under node with the heap cap and the guard preload
func runNode(ctx context.Context, ws *Workspace, node string, extraFlags []string, script string) ProcessResult {
	args := []string{
		fmt.Sprintf("--max-old-space-size=%d", ws.MaxMemoryMB),
		"--require", ws.Path(jsGuardFile),
	}
	args = append(args, extraFlags...)
	args = append(args, script)
	return ws.Exec(ctx, 1, node, args, "NODE_ENV=test")
}
