package coherence

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/sandbox"
	"github.com/steveyegge/mend/internal/types"
)

// Executor runs code and tests in isolation. *sandbox.Runner implements it.
type Executor interface {
	Execute(ctx context.Context, code, testCode string, lang types.Language, opts sandbox.Options) types.SandboxResult
}

// TestProver gathers test-proof evidence for a file: it locates the test file
// by naming convention, checks that the test references the module, counts
// assertions, and runs module plus test in the sandbox.
type TestProver struct {
	root     string
	exec     Executor
	opts     sandbox.Options
	runnable map[types.Language]bool
	logger   *zap.Logger
}

// ProverConfig configures a TestProver
type ProverConfig struct {
	// Root is the repository root that relative paths are resolved against
	Root string

	// Executor runs tests; when nil, evidence is gathered without execution
	Executor Executor
	Options  sandbox.Options

	// Runnable lists the languages whose tests can run as a single file
	// (module followed by test). Defaults to Python, JavaScript and TypeScript;
	// Go and Rust tests usually depend on the rest of their package.
	Runnable []types.Language

	Logger *zap.Logger
}

// NewTestProver creates a prover
func NewTestProver(cfg ProverConfig) *TestProver {
	runnable := cfg.Runnable
	if runnable == nil {
		runnable = []types.Language{types.LangPython, types.LangJavaScript, types.LangTypeScript}
	}
	p := &TestProver{
		root:     cfg.Root,
		exec:     cfg.Executor,
		opts:     cfg.Options,
		runnable: make(map[types.Language]bool, len(runnable)),
		logger:   cfg.Logger,
	}
	for _, lang := range runnable {
		p.runnable[lang] = true
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("testproof")
	return p
}

// TestCandidates lists where the tests for relPath may live, most specific first
func TestCandidates(relPath string, lang types.Language) []string {
	dir := filepath.Dir(relPath)
	ext := filepath.Ext(relPath)
	stem := strings.TrimSuffix(filepath.Base(relPath), ext)
	join := func(parts ...string) string { return filepath.Join(append([]string{dir}, parts...)...) }

	switch lang {
	case types.LangGo:
		return []string{join(stem + "_test.go")}
	case types.LangPython:
		return []string{
			join("test_" + stem + ".py"),
			join(stem + "_test.py"),
			join("tests", "test_"+stem+".py"),
			filepath.Join("tests", "test_"+stem+".py"),
		}
	case types.LangJavaScript, types.LangTypeScript:
		exts := []string{ext}
		for _, e := range []string{".js", ".ts", ".mjs", ".cjs", ".jsx", ".tsx"} {
			if e != ext {
				exts = append(exts, e)
			}
		}
		var out []string
		for _, e := range exts {
			out = append(out,
				join(stem+".test"+e),
				join(stem+".spec"+e),
				join("__tests__", stem+".test"+e),
				join("__tests__", stem+e),
			)
		}
		return out
	case types.LangRust:
		return []string{
			filepath.Join("tests", stem+".rs"),
			filepath.Join(filepath.Dir(dir), "tests", stem+".rs"),
		}
	}
	return nil
}

// IsTestFile reports whether relPath follows a test naming convention
func IsTestFile(relPath string) bool {
	base := filepath.Base(relPath)
	slashed := "/" + filepath.ToSlash(relPath)
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.HasSuffix(base, "_test.py"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."),
		strings.Contains(slashed, "/__tests__/"),
		strings.Contains(slashed, "/tests/") && strings.HasSuffix(base, ".rs"):
		return true
	}
	return false
}

var rustInlineTests = regexp.MustCompile(`#\[cfg\(test\)\]`)

// Prove gathers evidence for relPath whose current contents are code. Code may
// be a healing candidate that is not yet on disk.
func (p *TestProver) Prove(ctx context.Context, relPath, code string, lang types.Language) *TestEvidence {
	ev := &TestEvidence{}

	testPath, testCode, found := p.findTest(relPath, lang)
	if !found && lang == types.LangRust && rustInlineTests.MatchString(code) {
		// Inline #[cfg(test)] module
		testPath, testCode, found = relPath, "", true
		ev.ReferencesModule = true
		ev.Assertions = CountAssertions(code, lang)
	}
	if !found {
		return ev
	}

	ev.Found = true
	ev.Path = testPath
	if testCode != "" {
		ev.ReferencesModule = ReferencesModule(testCode, relPath, code, lang)
		ev.Assertions = CountAssertions(testCode, lang)
	}

	if p.exec == nil || !p.runnable[lang] || testCode == "" {
		return ev
	}

	res := p.exec.Execute(ctx, code, RewriteTestImports(testCode, relPath, lang), lang, p.opts)
	ev.Sandbox = &res
	ev.Passed = res.Passed
	if res.IsFail() {
		p.logger.Debug("tests failed in sandbox",
			zap.String("file", relPath),
			zap.String("test", testPath),
			zap.Bool("timed_out", res.TimedOut),
			zap.Bool("blocked", res.Blocked))
	}
	return ev
}

func (p *TestProver) findTest(relPath string, lang types.Language) (string, string, bool) {
	for _, candidate := range TestCandidates(relPath, lang) {
		if candidate == relPath {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.root, candidate))
		if err != nil {
			continue
		}
		return candidate, string(data), true
	}
	return "", "", false
}

var assertionPatterns = map[types.Language][]*regexp.Regexp{
	types.LangPython: {
		regexp.MustCompile(`(?m)^[ \t]*assert\b`),
		regexp.MustCompile(`\bself\.assert\w+\s*\(`),
		regexp.MustCompile(`\bpytest\.raises\s*\(`),
	},
	types.LangJavaScript: jsAssertions,
	types.LangTypeScript: jsAssertions,
	types.LangGo: {
		regexp.MustCompile(`\bt\.(?:Error|Errorf|Fatal|Fatalf|Fail|FailNow)\s*\(`),
		regexp.MustCompile(`\b(?:assert|require)\.\w+\s*\(`),
	},
	types.LangRust: {
		regexp.MustCompile(`\b(?:assert|assert_eq|assert_ne|debug_assert)!\s*\(`),
		regexp.MustCompile(`#\[should_panic`),
	},
}

var jsAssertions = []*regexp.Regexp{
	regexp.MustCompile(`\bassert(?:\.\w+)?\s*\(`),
	regexp.MustCompile(`\bexpect\s*\(`),
}

// CountAssertions counts assertion statements in test code
func CountAssertions(testCode string, lang types.Language) int {
	code := lex(testCode, lang).code
	n := 0
	for _, re := range assertionPatterns[lang] {
		n += len(re.FindAllStringIndex(code, -1))
	}
	return n
}

var goPackage = regexp.MustCompile(`(?m)^package[ \t]+(\w+)`)

// ReferencesModule reports whether testCode imports or otherwise names the
// module at relPath
func ReferencesModule(testCode, relPath, code string, lang types.Language) bool {
	stem := moduleStem(relPath)
	if !isIdentifierLike(stem) {
		return false
	}
	q := regexp.QuoteMeta(stem)
	switch lang {
	case types.LangGo:
		pkg := goPackage.FindStringSubmatch(code)
		test := goPackage.FindStringSubmatch(testCode)
		return pkg != nil && test != nil && (test[1] == pkg[1] || test[1] == pkg[1]+"_test")
	case types.LangPython:
		re := regexp.MustCompile(`(?m)^[ \t]*(?:from[ \t]+[\w.]*\b` + q + `\b[\w.]*[ \t]+import|import[ \t]+(?:[\w.]*\.)?` + q + `\b)`)
		return re.MatchString(testCode)
	case types.LangJavaScript, types.LangTypeScript:
		re := regexp.MustCompile(`(?:require\s*\(|from[ \t]+|import\s*\()\s*['"][^'"]*\b` + q + `(?:\.[cm]?[jt]sx?)?['"]`)
		return re.MatchString(testCode)
	case types.LangRust:
		re := regexp.MustCompile(`\buse[ \t]+(?:\w+::)*` + q + `\b|\b` + q + `::`)
		return re.MatchString(testCode)
	}
	return strings.Contains(testCode, stem)
}

func moduleStem(relPath string) string {
	base := filepath.Base(relPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// RewriteTestImports adapts a test file to run concatenated after its module
// in one sandbox file: imports of the module under test are removed or bound
// to the current module, since its definitions are already in scope.
func RewriteTestImports(testCode, relPath string, lang types.Language) string {
	stem := moduleStem(relPath)
	if !isIdentifierLike(stem) {
		return testCode
	}
	q := regexp.QuoteMeta(stem)
	switch lang {
	case types.LangPython:
		fromImport := regexp.MustCompile(`(?m)^[ \t]*from[ \t]+\.*(?:[\w.]*\.)?` + q + `[ \t]+import[ \t]+(?:\([^)]*\)|[^\n(]*)[ \t]*$`)
		plainImport := regexp.MustCompile(`(?m)^([ \t]*)import[ \t]+(?:[\w.]*\.)?` + q + `(?:[ \t]+as[ \t]+(\w+))?[ \t]*$`)
		out := fromImport.ReplaceAllString(testCode, "")
		return plainImport.ReplaceAllStringFunc(out, func(m string) string {
			sub := plainImport.FindStringSubmatch(m)
			name := stem
			if sub[2] != "" {
				name = sub[2]
			}
			return sub[1] + "import sys as _mend_sys; " + name + " = _mend_sys.modules[__name__]"
		})
	case types.LangJavaScript, types.LangTypeScript:
		spec := `['"]\.{1,2}/(?:[\w.-]+/)*` + q + `(?:\.[cm]?[jt]sx?)?['"]`
		destructured := regexp.MustCompile(`(?m)^[ \t]*(?:const|let|var)[ \t]*\{[^}]*\}[ \t]*=[ \t]*require\(\s*` + spec + `\s*\)[ \t]*;?`)
		namespace := regexp.MustCompile(`(?m)^([ \t]*)(?:const|let|var)[ \t]+([\w$]+)[ \t]*=[ \t]*require\(\s*` + spec + `\s*\)[ \t]*;?`)
		esNamed := regexp.MustCompile(`(?m)^[ \t]*import[ \t]*(?:type[ \t]+)?\{[^}]*\}[ \t]*from[ \t]*` + spec + `[ \t]*;?`)
		esNamespace := regexp.MustCompile(`(?m)^([ \t]*)import[ \t]+\*[ \t]+as[ \t]+([\w$]+)[ \t]+from[ \t]*` + spec + `[ \t]*;?`)
		esDefault := regexp.MustCompile(`(?m)^([ \t]*)import[ \t]+([\w$]+)[ \t]+from[ \t]*` + spec + `[ \t]*;?`)

		out := destructured.ReplaceAllString(testCode, "")
		out = esNamed.ReplaceAllString(out, "")
		out = namespace.ReplaceAllString(out, "${1}const $2 = module.exports;")
		out = esNamespace.ReplaceAllString(out, "${1}const $2 = module.exports;")
		out = esDefault.ReplaceAllString(out, "${1}const $2 = module.exports.default ?? module.exports;")
		return out
	}
	return testCode
}
