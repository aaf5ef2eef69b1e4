package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/steveyegge/mend/internal/types"
)

// rustTimeoutScale allows for cargo's slower compile
const rustTimeoutScale = 5

const cargoManifest = `[package]
name = "sandbox"
version = "0.1.0"
edition = "2021"

[dependencies]
`

var rustMainFn = regexp.MustCompile(`(?m)^\s*(pub\s+)?fn\s+main\s*\(`)

type rustRunner struct{}

func (rustRunner) ScanForbidden(code, testCode string) *Violation {
	return scanRust(code, testCode)
}

// Run builds a cargo project skeleton and runs cargo test. When cargo is not
// installed but rustc is, the test harness is compiled and run directly.
func (rustRunner) Run(ctx context.Context, ws *Workspace, code, testCode string) types.SandboxResult {
	source := code + "\n\n" + testCode + "\n"
	hasTests := strings.TrimSpace(testCode) != ""
	isBinary := !hasTests && rustMainFn.MatchString(code)

	if cargo, ok := ws.Lookup("cargo"); ok {
		return runCargo(ctx, ws, cargo, source, isBinary)
	}
	if rustc, ok := ws.Lookup("rustc"); ok {
		return runRustc(ctx, ws, rustc, source, isBinary)
	}
	return unavailable(types.LangRust, "cargo", "rustc")
}

func runCargo(ctx context.Context, ws *Workspace, cargo, source string, isBinary bool) types.SandboxResult {
	if err := ws.WriteFile("Cargo.toml", cargoManifest); err != nil {
		return failed(err.Error())
	}
	srcFile, args := "src/lib.rs", []string{"test", "--quiet", "--offline"}
	if isBinary {
		srcFile, args = "src/main.rs", []string{"run", "--quiet", "--offline"}
	}
	if err := ws.WriteFile(srcFile, source); err != nil {
		return failed(err.Error())
	}

	res := ws.Exec(ctx, rustTimeoutScale, cargo, args, rustEnv(ws)...)
	return classifyCargo(res, "cargo")
}

func runRustc(ctx context.Context, ws *Workspace, rustc, source string, isBinary bool) types.SandboxResult {
	if err := ws.WriteFile("main.rs", source); err != nil {
		return failed(err.Error())
	}
	args := []string{"--edition", "2021", "-o", ws.Path("sandbox-bin"), "main.rs"}
	if !isBinary {
		args = append([]string{"--test"}, args...)
	}
	build := ws.Exec(ctx, rustTimeoutScale, rustc, args, rustEnv(ws)...)
	if build.TimedOut || build.Err != nil || build.ExitCode != 0 {
		return classify(build, "rustc")
	}
	return classifyCargo(ws.Exec(ctx, 1, ws.Path("sandbox-bin"), nil), "rustc")
}

// classifyCargo treats exit code 0 as a pass even though cargo reports its
// progress ("Compiling", "Finished", "Running") on stderr
func classifyCargo(p ProcessResult, runtime string) types.SandboxResult {
	res := classify(p, runtime)
	if p.ExitCode == 0 && !p.TimedOut && p.Err == nil {
		res.Passed = types.Bool(!strings.Contains(p.Stdout, "test result: FAILED"))
	}
	return res
}

// rustEnv points cargo at a shared target dir and keeps the host's rustup
// installation reachable even though HOME is redirected
func rustEnv(ws *Workspace) []string {
	env := []string{
		"CARGO_TARGET_DIR=" + filepath.Join(ws.CacheDir, "cargo-target"),
		"CARGO_TERM_COLOR=never",
		"CARGO_NET_OFFLINE=true",
	}
	home, _ := os.UserHomeDir()
	for _, kv := range []struct{ key, fallback string }{
		{"RUSTUP_HOME", filepath.Join(home, ".rustup")},
		{"CARGO_HOME", filepath.Join(home, ".cargo")},
	} {
		val := os.Getenv(kv.key)
		if val == "" && home != "" {
			val = kv.fallback
		}
		if val != "" {
			env = append(env, kv.key+"="+val)
		}
	}
	return env
}
