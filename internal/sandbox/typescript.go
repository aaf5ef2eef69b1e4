package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/types"
)

type typescriptRunner struct{}

func (typescriptRunner) ScanForbidden(code, testCode string) *Violation {
	return scanJS(types.LangTypeScript, code, testCode)
}

// tsSyntaxSignatures mark failures caused by the runtime not understanding the
// TypeScript, as opposed to the tests themselves failing
var tsSyntaxSignatures = []string{
	"ERR_UNSUPPORTED_TYPESCRIPT_SYNTAX",
	"ERR_INVALID_TYPESCRIPT_SYNTAX",
	"ERR_UNKNOWN_FILE_EXTENSION",
	"ERR_REQUIRE_ESM",
	"is not supported in strip-only mode",
	"bad option: --experimental-strip-types",
	"Cannot use import statement outside a module",
	"Transform failed with",
	"TSError",
}

// tsUserFrame matches a stack frame inside the program itself. A SyntaxError
// raised while the program runs (JSON.parse, new Function) has one; a
// SyntaxError from compiling the file does not.
var tsUserFrame = regexp.MustCompile(`(?m)^\s+at .*main\.(?:ts|stripped\.cjs):\d+:\d+`)

// tsTestFailureSignatures mark genuine test failures that must not trigger a fallback
var tsTestFailureSignatures = []string{
	"AssertionError",
	"ERR_ASSERTION",
	BlockedPrefix,
}

// Run tries progressively less faithful ways of executing TypeScript: node's
// native type stripping, then a TypeScript-aware runtime (tsx or ts-node), then
// node on the output of StripTypes. Only a syntax-incompatibility failure moves
// on to the next strategy.
func (typescriptRunner) Run(ctx context.Context, ws *Workspace, code, testCode string) types.SandboxResult {
	node, ok := ws.Lookup("node", "nodejs")
	if !ok {
		return unavailable(types.LangTypeScript, "node", "nodejs")
	}
	if err := writeJSGuard(ws); err != nil {
		return failed(err.Error())
	}
	source := code + "\n\n" + testCode + "\n"
	if err := ws.WriteFile("main.ts", source); err != nil {
		return failed(err.Error())
	}

	var attempts []string
	strategies := []struct {
		name string
		run  func() (ProcessResult, bool)
	}{
		{"node-strip-types", func() (ProcessResult, bool) {
			return runNode(ctx, ws, node, []string{"--experimental-strip-types", "--no-warnings"}, "main.ts"), true
		}},
		{"ts-runtime", func() (ProcessResult, bool) {
			return runTSRuntime(ctx, ws)
		}},
		{"regex-strip", func() (ProcessResult, bool) {
			if err := ws.WriteFile("main.stripped.cjs", StripTypes(source)); err != nil {
				return ProcessResult{Err: err, ExitCode: -1}, true
			}
			return runNode(ctx, ws, node, nil, "main.stripped.cjs"), true
		}},
	}

	var last types.SandboxResult
	for i, s := range strategies {
		res, ran := s.run()
		if !ran {
			continue
		}
		last = classify(res, s.name)
		attempts = append(attempts, s.name)

		if last.IsPass() || last.TimedOut || res.Err != nil {
			break
		}
		output := res.Combined()
		if i == len(strategies)-1 || !isTSSyntaxIncompatibility(output) {
			break
		}
		ws.logger.Debug("typescript strategy could not run the code, falling back", zap.String("strategy", s.name))
	}

	if len(attempts) > 1 {
		last.Output = fmt.Sprintf("[typescript runtimes tried: %s]\n%s", strings.Join(attempts, " -> "), last.Output)
	}
	return last
}

// runTSRuntime runs main.ts with tsx or ts-node. Reports false when neither is installed.
func runTSRuntime(ctx context.Context, ws *Workspace) (ProcessResult, bool) {
	nodeOptions := fmt.Sprintf("NODE_OPTIONS=--max-old-space-size=%d --require=%s", ws.MaxMemoryMB, ws.Path(jsGuardFile))
	if tsx, ok := ws.Lookup("tsx"); ok {
		return ws.Exec(ctx, 2, tsx, []string{"main.ts"}, nodeOptions, "NODE_ENV=test"), true
	}
	if tsNode, ok := ws.Lookup("ts-node"); ok {
		return ws.Exec(ctx, 2, tsNode, []string{"--transpile-only", "main.ts"}, nodeOptions, "NODE_ENV=test"), true
	}
	return ProcessResult{}, false
}

func isTSSyntaxIncompatibility(output string) bool {
	for _, sig := range tsTestFailureSignatures {
		if strings.Contains(output, sig) {
			return false
		}
	}
	for _, sig := range tsSyntaxSignatures {
		if strings.Contains(output, sig) {
			return true
		}
	}
	return strings.Contains(output, "SyntaxError") && !tsUserFrame.MatchString(output)
}
