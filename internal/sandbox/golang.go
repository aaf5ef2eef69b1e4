package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/steveyegge/mend/internal/types"
)

const (
	goSandboxModule = "sandbox"
	goSandboxGo     = "1.21"

	// goTimeoutScale allows for compilation
	goTimeoutScale = 3
)

var goPackageClause = regexp.MustCompile(`(?m)^\s*package\s+(\w+)`)

type goRunner struct{}

func (goRunner) ScanForbidden(code, testCode string) *Violation {
	return scanGo(code, testCode)
}

// Run builds a throwaway module from the code and tests and runs go test.
// Without tests, a main package is run and anything else is only compiled.
func (goRunner) Run(ctx context.Context, ws *Workspace, code, testCode string) types.SandboxResult {
	goBin, ok := ws.Lookup("go")
	if !ok {
		return unavailable(types.LangGo, "go")
	}

	pkg := goPackageName(code)
	gomod, err := goModFile()
	if err != nil {
		return failed(fmt.Sprintf("failed to generate go.mod: %v", err))
	}
	if err := ws.WriteFile("go.mod", gomod); err != nil {
		return failed(err.Error())
	}
	if err := ws.WriteFile("code.go", ensureGoPackage(code, pkg)); err != nil {
		return failed(err.Error())
	}

	hasTests := strings.TrimSpace(testCode) != ""
	if hasTests {
		if err := ws.WriteFile("code_test.go", ensureGoPackage(testCode, pkg)); err != nil {
			return failed(err.Error())
		}
	}

	var args []string
	switch {
	case hasTests:
		args = []string{"test", "-count=1", "./..."}
	case pkg == "main":
		args = []string{"run", "."}
	default:
		args = []string{"build", "./..."}
	}

	res := ws.Exec(ctx, goTimeoutScale, goBin, args, goEnv(ws)...)
	result := classify(res, "go")
	if hasTests && result.IsPass() && strings.Contains(res.Combined(), "[no test files]") {
		result.Passed = types.Bool(false)
		result.Output += "\nno tests were executed"
	}
	return result
}

func goEnv(ws *Workspace) []string {
	return []string{
		"GOCACHE=" + filepath.Join(ws.CacheDir, "go-build"),
		"GOPATH=" + filepath.Join(ws.CacheDir, "gopath"),
		"GOMODCACHE=" + filepath.Join(ws.CacheDir, "gopath", "pkg", "mod"),
		"GOFLAGS=-mod=mod",
		"GOPROXY=off",
		"GOTOOLCHAIN=local",
		"GOWORK=off",
		"GOTELEMETRY=off",
		"CGO_ENABLED=0",
		fmt.Sprintf("GOMEMLIMIT=%dMiB", ws.MaxMemoryMB),
	}
}

func goModFile() (string, error) {
	f := new(modfile.File)
	if err := f.AddModuleStmt(goSandboxModule); err != nil {
		return "", err
	}
	if err := f.AddGoStmt(goSandboxGo); err != nil {
		return "", err
	}
	data, err := f.Format()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// goPackageName returns the package declared by code, or "sandbox" when it has none
func goPackageName(code string) string {
	if m := goPackageClause.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	return goSandboxModule
}

// ensureGoPackage prepends a package clause when the source has none
func ensureGoPackage(src, pkg string) string {
	if goPackageClause.MatchString(src) {
		return src
	}
	return "package " + pkg + "\n\n" + src
}
