package coherence

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/sandbox"
	"github.com/steveyegge/mend/internal/types"
)

type execCall struct {
	code     string
	testCode string
	lang     types.Language
}

// fakeExecutor returns a fixed result and records what it was asked to run
type fakeExecutor struct {
	mu     sync.Mutex
	result types.SandboxResult
	calls  []execCall
}

func (f *fakeExecutor) Execute(_ context.Context, code, testCode string, lang types.Language, _ sandbox.Options) types.SandboxResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{code: code, testCode: testCode, lang: lang})
	return f.result
}

func (f *fakeExecutor) Calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.calls...)
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

const (
	calcPy     = "def add(a, b):\n    return a + b\n"
	testCalcPy = "from calc import add\n\ndef test_add():\n    assert add(1, 2) == 3\n    assert add(0, 0) == 0\n    assert add(-1, 1) == 0\n\ntest_add()\n"
)

func TestTestCandidates(t *testing.T) {
	py := TestCandidates("pkg/calc.py", types.LangPython)
	require.NotEmpty(t, py)
	assert.Equal(t, "pkg/test_calc.py", py[0])
	assert.Contains(t, py, "pkg/calc_test.py")
	assert.Contains(t, py, "pkg/tests/test_calc.py")
	assert.Contains(t, py, "tests/test_calc.py")

	assert.Equal(t, []string{"calc_test.go"}, TestCandidates("calc.go", types.LangGo))

	ts := TestCandidates("src/calc.ts", types.LangTypeScript)
	require.NotEmpty(t, ts)
	assert.Equal(t, "src/calc.test.ts", ts[0])
	assert.Contains(t, ts, "src/calc.spec.ts")
	assert.Contains(t, ts, "src/__tests__/calc.test.js")

	assert.Contains(t, TestCandidates("src/lib.rs", types.LangRust), "tests/lib.rs")
	assert.Nil(t, TestCandidates("README", types.LangUnknown))
}

func TestIsTestFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"calc_test.go", true},
		{"pkg/test_calc.py", true},
		{"pkg/calc_test.py", true},
		{"src/calc.test.js", true},
		{"src/calc.spec.ts", true},
		{"src/__tests__/calc.js", true},
		{"tests/integration.rs", true},
		{"calc.go", false},
		{"testing.py", false},
		{"src/contest.js", false},
		{"src/lib.rs", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTestFile(tt.path))
		})
	}
}

func TestCountAssertions(t *testing.T) {
	tests := []struct {
		name string
		code string
		lang types.Language
		want int
	}{
		{
			name: "python",
			code: "def test_add():\n    assert add(1, 2) == 3\n    # assert commented out\n    assert add(0, 0) == 0\n\nclass T(unittest.TestCase):\n    def test_x(self):\n        self.assertEqual(add(1, 1), 2)\n",
			lang: types.LangPython,
			want: 3,
		},
		{
			name: "javascript",
			code: "assert.strictEqual(add(1, 2), 3);\nassert(ok);\nexpect(x).toBe(1);\n// assert(no)\n",
			lang: types.LangJavaScript,
			want: 3,
		},
		{
			name: "go",
			code: "t.Fatalf(\"bad %v\", x)\nrequire.NoError(t, err)\nassert.Equal(t, 1, x)\n",
			lang: types.LangGo,
			want: 3,
		},
		{
			name: "rust",
			code: "assert_eq!(a, b);\nassert!(c);\n",
			lang: types.LangRust,
			want: 2,
		},
		{
			name: "none",
			code: "print('hello')\n",
			lang: types.LangPython,
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountAssertions(tt.code, tt.lang))
		})
	}
}

func TestReferencesModule(t *testing.T) {
	tests := []struct {
		name     string
		testCode string
		relPath  string
		code     string
		lang     types.Language
		want     bool
	}{
		{"python from import", "from calc import add\n", "pkg/calc.py", "", types.LangPython, true},
		{"python dotted import", "import pkg.calc\n", "pkg/calc.py", "", types.LangPython, true},
		{"python other module", "from calculator import add\n", "pkg/calc.py", "", types.LangPython, false},
		{"js require", "const { add } = require('./calc');\n", "src/calc.js", "", types.LangJavaScript, true},
		{"js import with extension", "import { add } from '../src/calc.js';\n", "src/calc.js", "", types.LangJavaScript, true},
		{"js other module", "const c = require('./calculator');\n", "src/calc.js", "", types.LangJavaScript, false},
		{"go external test package", "package calc_test\n", "calc.go", "package calc\n", types.LangGo, true},
		{"go same package", "package calc\n", "calc.go", "package calc\n", types.LangGo, true},
		{"go other package", "package other\n", "calc.go", "package calc\n", types.LangGo, false},
		{"rust use", "use mycrate::calc;\n", "src/calc.rs", "", types.LangRust, true},
		{"non identifier stem", "import my-calc\n", "my-calc.py", "", types.LangPython, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReferencesModule(tt.testCode, tt.relPath, tt.code, tt.lang))
		})
	}
}

func TestRewriteTestImportsPython(t *testing.T) {
	in := "from calc import add\nimport calc\nimport calc as c\n\nassert add(1, 2) == 3\n"
	want := "\n" +
		"import sys as _mend_sys; calc = _mend_sys.modules[__name__]\n" +
		"import sys as _mend_sys; c = _mend_sys.modules[__name__]\n" +
		"\nassert add(1, 2) == 3\n"
	assert.Equal(t, want, RewriteTestImports(in, "pkg/calc.py", types.LangPython))

	multi := "from calc import (\n    add,\n    sub,\n)\nassert add(1, 1) == 2\n"
	assert.Equal(t, "\nassert add(1, 1) == 2\n", RewriteTestImports(multi, "calc.py", types.LangPython))

	other := "from helpers import add\n"
	assert.Equal(t, other, RewriteTestImports(other, "calc.py", types.LangPython))
}

func TestRewriteTestImportsJavaScript(t *testing.T) {
	in := "const { add } = require('./calc');\n" +
		"const calc = require('./calc.js');\n" +
		"import * as m from './calc';\n" +
		"import def from \"../lib/calc\";\n" +
		"assert.strictEqual(add(1, 2), 3);\n"
	want := "\n" +
		"const calc = module.exports;\n" +
		"const m = module.exports;\n" +
		"const def = module.exports.default ?? module.exports;\n" +
		"assert.strictEqual(add(1, 2), 3);\n"
	assert.Equal(t, want, RewriteTestImports(in, "lib/calc.js", types.LangJavaScript))

	named := "import { add } from './calc';\nexpect(add(1, 1)).toBe(2);\n"
	assert.Equal(t, "\nexpect(add(1, 1)).toBe(2);\n", RewriteTestImports(named, "calc.ts", types.LangTypeScript))
}

func TestRewriteTestImportsLeavesOtherLanguages(t *testing.T) {
	in := "package calc\n\nimport \"testing\"\n"
	assert.Equal(t, in, RewriteTestImports(in, "calc.go", types.LangGo))
	assert.Equal(t, "import my-calc\n", RewriteTestImports("import my-calc\n", "my-calc.py", types.LangPython))
}

func TestProveRunsTestsInSandbox(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"calc.py": calcPy, "test_calc.py": testCalcPy})

	fake := &fakeExecutor{result: types.SandboxResult{Passed: types.Bool(true), Sandboxed: true}}
	prover := NewTestProver(ProverConfig{Root: root, Executor: fake})

	ev := prover.Prove(context.Background(), "calc.py", calcPy, types.LangPython)
	assert.True(t, ev.Found)
	assert.Equal(t, "test_calc.py", ev.Path)
	assert.True(t, ev.ReferencesModule)
	assert.Equal(t, 3, ev.Assertions)
	require.NotNil(t, ev.Passed)
	assert.True(t, *ev.Passed)
	require.NotNil(t, ev.Sandbox)
	assert.Equal(t, 1.0, TestProofScore(ev))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, calcPy, calls[0].code)
	assert.Equal(t, types.LangPython, calls[0].lang)
	assert.NotContains(t, calls[0].testCode, "from calc import")
	assert.Contains(t, calls[0].testCode, "test_add()")
}

func TestProveRecordsFailure(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"calc.py": calcPy, "test_calc.py": testCalcPy})

	fake := &fakeExecutor{result: types.SandboxResult{Passed: types.Bool(false), Output: "AssertionError"}}
	ev := NewTestProver(ProverConfig{Root: root, Executor: fake}).Prove(context.Background(), "calc.py", calcPy, types.LangPython)

	require.NotNil(t, ev.Passed)
	assert.False(t, *ev.Passed)
	assert.InDelta(t, 0.4, TestProofScore(ev), 1e-9)
}

func TestProveWithoutExecutor(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"calc.py": calcPy, "test_calc.py": testCalcPy})

	ev := NewTestProver(ProverConfig{Root: root}).Prove(context.Background(), "calc.py", calcPy, types.LangPython)
	assert.True(t, ev.Found)
	assert.Nil(t, ev.Passed)
	assert.Nil(t, ev.Sandbox)
	assert.InDelta(t, 0.7, TestProofScore(ev), 1e-9)
}

func TestProveMissingTest(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"calc.py": calcPy})

	fake := &fakeExecutor{}
	ev := NewTestProver(ProverConfig{Root: root, Executor: fake}).Prove(context.Background(), "calc.py", calcPy, types.LangPython)
	assert.False(t, ev.Found)
	assert.Empty(t, fake.Calls())
	assert.Zero(t, TestProofScore(ev))
}

func TestProveSkipsLanguagesThatCannotRunAlone(t *testing.T) {
	root := t.TempDir()
	code := "package calc\n\nfunc Add(a, b int) int { return a + b }\n"
	writeFiles(t, root, map[string]string{
		"calc.go":      code,
		"calc_test.go": "package calc\n\nimport \"testing\"\n\nfunc TestAdd(t *testing.T) {\n\tif Add(1, 2) != 3 {\n\t\tt.Fatal(\"bad\")\n\t}\n}\n",
	})

	fake := &fakeExecutor{}
	ev := NewTestProver(ProverConfig{Root: root, Executor: fake}).Prove(context.Background(), "calc.go", code, types.LangGo)
	assert.True(t, ev.Found)
	assert.True(t, ev.ReferencesModule)
	assert.Equal(t, 1, ev.Assertions)
	assert.Nil(t, ev.Passed)
	assert.Empty(t, fake.Calls())
}

func TestProveRustInlineTests(t *testing.T) {
	code := "pub fn add(a: i32, b: i32) -> i32 { a + b }\n\n#[cfg(test)]\nmod tests {\n    #[test]\n    fn adds() { assert_eq!(super::add(1, 1), 2); }\n}\n"
	ev := NewTestProver(ProverConfig{Root: t.TempDir()}).Prove(context.Background(), "src/lib.rs", code, types.LangRust)
	assert.True(t, ev.Found)
	assert.Equal(t, "src/lib.rs", ev.Path)
	assert.True(t, ev.ReferencesModule)
	assert.Equal(t, 1, ev.Assertions)
}

func TestProveWithPythonSandbox(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"calc.py": calcPy, "test_calc.py": testCalcPy})

	runner, err := sandbox.NewRunner(sandbox.Config{TempRoot: t.TempDir(), CacheDir: t.TempDir()})
	require.NoError(t, err)
	prover := NewTestProver(ProverConfig{Root: root, Executor: runner})

	ev := prover.Prove(context.Background(), "calc.py", calcPy, types.LangPython)
	require.NotNil(t, ev.Passed, "sandbox output: %+v", ev.Sandbox)
	assert.True(t, *ev.Passed)

	broken := "def add(a, b):\n    return a - b\n"
	ev = prover.Prove(context.Background(), "calc.py", broken, types.LangPython)
	require.NotNil(t, ev.Passed)
	assert.False(t, *ev.Passed)
}
