package coherence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/types"
)

func TestLexBlanksStringsAndComments(t *testing.T) {
	lx := lex("const s = \"(((\"; // )))\nf(a, [1, 2]);\n", types.LangJavaScript)
	unmatched, total := bracketBalance(lx.code)
	assert.Zero(t, unmatched)
	assert.Equal(t, 4, total)
	assert.Equal(t, 1, lx.commentLines)
	assert.False(t, lx.unterminated)
	assert.Equal(t, 2, strings.Count(lx.code, "\n"), "newlines are preserved")
}

func TestLexCommentLines(t *testing.T) {
	lx := lex("// a\ncode()\n/* b\n c */\nmore()\n", types.LangJavaScript)
	assert.Equal(t, 3, lx.commentLines)

	py := lex("# one\nx = 1  # two\ny = '''((\n'''\n", types.LangPython)
	assert.Equal(t, 2, py.commentLines)
	unmatched, _ := bracketBalance(py.code)
	assert.Zero(t, unmatched)
}

func TestLexRustLifetimes(t *testing.T) {
	lx := lex("fn f<'a>(x: &'a str) -> &'a str { let c = '{'; x }\n", types.LangRust)
	unmatched, _ := bracketBalance(lx.code)
	assert.Zero(t, unmatched)
	assert.False(t, lx.unterminated)
}

func TestLexUnterminated(t *testing.T) {
	assert.True(t, lex("x = \"abc\ny = 1\n", types.LangPython).unterminated)
	assert.True(t, lex("/* never closed", types.LangGo).unterminated)
	assert.False(t, lex("s := `multi\nline`\n", types.LangGo).unterminated)
}

func TestBracketBalance(t *testing.T) {
	unmatched, total := bracketBalance("f(a, [1, 2);")
	assert.Equal(t, 3, unmatched)
	assert.Equal(t, 3, total)

	unmatched, total = bracketBalance("")
	assert.Zero(t, unmatched)
	assert.Zero(t, total)
}

func TestSyntaxValidityWithoutParse(t *testing.T) {
	tests := []struct {
		name string
		code string
		want float64
	}{
		{"balanced", "f(a, [1, 2]);", 1},
		{"three unmatched", "f(a, [1, 2);", 0.4},
		{"unterminated string", "x = \"abc", 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := syntaxValidity(lex(tt.code, types.LangJavaScript), structure{})
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCompleteness(t *testing.T) {
	tests := []struct {
		name string
		code string
		lang types.Language
		want float64
	}{
		{"empty", "  \n", types.LangJavaScript, 0},
		{"clean", "function f() { return 1; }\n", types.LangJavaScript, 1},
		{"empty body", "function f() {}\n", types.LangJavaScript, 0.9},
		{"markers", "// TODO\n// FIXME\nfunction f() { return 1; }\n", types.LangJavaScript, 0.8},
		{"not implemented", "function f() { throw new Error(\"not implemented\"); }\n", types.LangJavaScript, 0.8},
		{"python pass", "def f():\n    pass\n", types.LangPython, 0.9},
		{"rust todo macro", "fn f() -> u32 { todo!() }\n", types.LangRust, 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, completeness(tt.code, lex(tt.code, tt.lang), tt.lang), 1e-9)
		})
	}
}

func TestReadabilityComponents(t *testing.T) {
	t.Run("comment density", func(t *testing.T) {
		code := "a()\nb()\nc()\nd()\ne()\nf()\ng()\nh()\ni()\nj()\n"
		assert.InDelta(t, 0.6, commentDensity(code, lex(code, types.LangJavaScript)), 1e-9)

		short := "a()\n"
		assert.Equal(t, 1.0, commentDensity(short, lex(short, types.LangJavaScript)))
	})

	t.Run("nesting", func(t *testing.T) {
		assert.Equal(t, 1.0, nestingScore(lex("{{{{}}}}", types.LangJavaScript), types.LangJavaScript))
		assert.InDelta(t, 0.7, nestingScore(lex("{{{{{{}}}}}}", types.LangJavaScript), types.LangJavaScript), 1e-9)
		assert.Equal(t, 2, indentDepth("def f():\n    if x:\n        return 1\n"))
	})

	t.Run("naming", func(t *testing.T) {
		mixed := "const fooBar = 1;\nconst baz_qux = 2;\n"
		assert.InDelta(t, 0.5, namingConsistency(lex(mixed, types.LangJavaScript), types.LangJavaScript), 1e-9)

		uniform := "const fooBar = 1;\nconst bazQux = 2;\n"
		assert.Equal(t, 1.0, namingConsistency(lex(uniform, types.LangJavaScript), types.LangJavaScript))
	})
}

func TestIndentationConsistency(t *testing.T) {
	assert.Equal(t, 1.0, indentationConsistency("func f() {\n\ta()\n\tb()\n}\n"))
	assert.Equal(t, 0.5, indentationConsistency("x\n\ta\n  b\n"))
	assert.Equal(t, 1.0, indentationConsistency("no indentation\n"))
}

func TestScanSecurity(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		lang  types.Language
		rules []string
	}{
		{"js eval", "const x = 1;\neval(userInput);\n", types.LangJavaScript, []string{"eval"}},
		{"js eval in comment", "// eval(x)\nconst s = \"eval(y)\";\n", types.LangJavaScript, nil},
		{"js child process", "const cp = require(\"child_process\");\n", types.LangJavaScript, []string{"child-process"}},
		{"python shell", "subprocess.run(cmd, shell=True)\n", types.LangPython, []string{"shell-true"}},
		{"python pickle", "data = pickle.loads(blob)\n", types.LangPython, []string{"pickle-load"}},
		{"go unsafe", "package main\n\nimport \"unsafe\"\n", types.LangGo, []string{"unsafe"}},
		{"go insecure tls", "cfg := &tls.Config{InsecureSkipVerify: true}\n", types.LangGo, []string{"insecure-tls"}},
		{"rust unsafe", "fn f() { unsafe { g() } }\n", types.LangRust, []string{"unsafe-block"}},
		{"secret", "api_key = \"sk-1234567890abcdef\"\n", types.LangPython, []string{"hardcoded-secret"}},
		{"short value is not a secret", "password = \"x\"\n", types.LangPython, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rules []string
			for _, f := range ScanSecurity(tt.code, tt.lang) {
				rules = append(rules, f.Rule)
			}
			assert.Equal(t, tt.rules, rules)
		})
	}
}

func TestScanSecurityReportsLines(t *testing.T) {
	findings := ScanSecurity("a = 1\nb = 2\neval(c)\n", types.LangPython)
	require.Len(t, findings, 1)
	assert.Equal(t, 3, findings[0].Line)
}

func TestSecurityPenalty(t *testing.T) {
	assert.Zero(t, SecurityPenalty(nil))
	assert.InDelta(t, 0.3, SecurityPenalty(make([]SecurityFinding, 2)), 1e-9)
	assert.InDelta(t, 0.6, SecurityPenalty(make([]SecurityFinding, 5)), 1e-9)
}

func TestConsistencyAppliesSecurityPenalty(t *testing.T) {
	clean := "x = 1\n"
	risky := "x = eval(y)\n"
	assert.Equal(t, 1.0, consistency(clean, lex(clean, types.LangPython), types.LangPython))
	assert.InDelta(t, 0.85, consistency(risky, lex(risky, types.LangPython), types.LangPython), 1e-9)
	assert.Zero(t, consistency("", lex("", types.LangPython), types.LangPython))
}
