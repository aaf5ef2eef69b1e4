package coherence

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/steveyegge/mend/internal/types"
)

// syntaxValidity combines bracket balance with the tree-sitter parse when a
// grammar is available
func syntaxValidity(lx lexed, st structure) float64 {
	unmatched, _ := bracketBalance(lx.code)
	if lx.unterminated {
		unmatched++
	}
	brackets := 1.0
	if unmatched > 0 {
		brackets = math.Max(0, 0.6-0.1*float64(unmatched-1))
	}
	if !st.parsed {
		return brackets
	}
	return types.Clamp01(0.5*brackets + 0.5*st.parseScore())
}

var (
	incompleteMarkers = regexp.MustCompile(`\b(?:TODO|FIXME|XXX|HACK)\b`)
	notImplemented    = regexp.MustCompile(`(?i)not[ _]?implemented|\bunimplemented!\s*\(|\btodo!\s*\(`)
	placeholderLine   = regexp.MustCompile(`(?m)^[ \t]*(?:\.\.\.|…|pass)[ \t]*;?[ \t]*$`)
	emptyBody         = regexp.MustCompile(`\)[ \t]*(?:->[^{\n]+|:[ \t]*[\w<>\[\], |]+)?[ \t]*\{[ \t\n]*\}`)

	camelIdent = regexp.MustCompile(`^[a-z]+(?:[A-Z][a-z0-9]*)+$`)
	snakeIdent = regexp.MustCompile(`^[a-z]+(?:_[a-z0-9]+)+$`)

	declaredIdent = map[types.Language]*regexp.Regexp{
		types.LangPython:     regexp.MustCompile(`(?m)(?:^[ \t]*def[ \t]+(\w+))|(?:^[ \t]*(\w+)[ \t]*=[^=])`),
		types.LangJavaScript: regexp.MustCompile(`(?:\bfunction[ \t]+(\w+))|(?:\b(?:const|let|var)[ \t]+(\w+))`),
		types.LangTypeScript: regexp.MustCompile(`(?:\bfunction[ \t]+(\w+))|(?:\b(?:const|let|var)[ \t]+(\w+))`),
		types.LangGo:         regexp.MustCompile(`(?:\bfunc[ \t]+(?:\([^)]*\)[ \t]*)?(\w+))|(?:\b(\w+)[ \t]*:=)`),
		types.LangRust:       regexp.MustCompile(`(?:\bfn[ \t]+(\w+))|(?:\blet[ \t]+(?:mut[ \t]+)?(\w+))`),
	}
)

// completeness penalises unfinished work and rewards readable code. Markers and
// not-implemented errors are counted in the raw text since they normally live
// in comments and string literals.
func completeness(code string, lx lexed, lang types.Language) float64 {
	if strings.TrimSpace(code) == "" {
		return 0
	}
	penalty := math.Min(0.5, 0.1*float64(len(incompleteMarkers.FindAllStringIndex(code, -1))))
	penalty += math.Min(0.4, 0.2*float64(len(notImplemented.FindAllStringIndex(code, -1))))
	penalty += math.Min(0.3, 0.1*float64(len(placeholderLine.FindAllStringIndex(lx.code, -1))))
	if lang != types.LangPython {
		penalty += math.Min(0.3, 0.1*float64(len(emptyBody.FindAllStringIndex(lx.code, -1))))
	}
	base := types.Clamp01(1 - penalty)
	return base * (0.7 + 0.3*readability(code, lx, lang))
}

func readability(code string, lx lexed, lang types.Language) float64 {
	return (commentDensity(code, lx) + nestingScore(lx, lang) + namingConsistency(lx, lang)) / 3
}

// commentDensity is best between 5% and 40% of non-blank lines. Very short
// files are not expected to carry comments.
func commentDensity(code string, lx lexed) float64 {
	lines := 0
	for _, l := range strings.Split(code, "\n") {
		if strings.TrimSpace(l) != "" {
			lines++
		}
	}
	if lines < 10 {
		return 1
	}
	ratio := float64(lx.commentLines) / float64(lines)
	switch {
	case ratio < 0.05:
		return 0.6 + 8*ratio
	case ratio <= 0.4:
		return 1
	default:
		return math.Max(0.5, 1-(ratio-0.4))
	}
}

// nestingScore penalises blocks nested more than four levels deep
func nestingScore(lx lexed, lang types.Language) float64 {
	depth := maxNesting(lx, lang)
	if depth <= 4 {
		return 1
	}
	return math.Max(0.4, 1-0.15*float64(depth-4))
}

func maxNesting(lx lexed, lang types.Language) int {
	if lang == types.LangPython {
		return indentDepth(lx.code)
	}
	depth, best := 0, 0
	for i := 0; i < len(lx.code); i++ {
		switch lx.code[i] {
		case '{':
			depth++
			if depth > best {
				best = depth
			}
		case '}':
			if depth > 0 {
				depth--
			}
		}
	}
	return best
}

// indentDepth measures nesting from indentation, assuming the smallest indent
// step used in the file is one level
func indentDepth(code string) int {
	step, deepest := 0, 0
	for _, line := range strings.Split(code, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		width := 0
		for _, r := range line {
			if r == ' ' {
				width++
			} else if r == '\t' {
				width += 4
			} else {
				break
			}
		}
		if width > 0 && (step == 0 || width < step) {
			step = width
		}
		if width > deepest {
			deepest = width
		}
	}
	if step == 0 {
		return 0
	}
	return deepest / step
}

// namingConsistency penalises files mixing camelCase and snake_case names when
// the minority style exceeds 30% of multi-word names
func namingConsistency(lx lexed, lang types.Language) float64 {
	re := declaredIdent[lang]
	if re == nil {
		return 1
	}
	var camel, snake int
	for _, m := range re.FindAllStringSubmatch(lx.code, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		switch {
		case camelIdent.MatchString(name):
			camel++
		case snakeIdent.MatchString(name):
			snake++
		}
	}
	total := camel + snake
	if total == 0 {
		return 1
	}
	minority := float64(min(camel, snake)) / float64(total)
	if minority <= 0.3 {
		return 1
	}
	return 1 - minority
}

// consistency multiplies indentation consistency by the security risk factor
func consistency(code string, lx lexed, lang types.Language) float64 {
	if strings.TrimSpace(code) == "" {
		return 0
	}
	return indentationConsistency(code) * (1 - SecurityPenalty(securityFindings(code, lx, lang)))
}

// indentationConsistency is 1 when every indented line uses the same
// character and falls with the share of the minority style
func indentationConsistency(code string) float64 {
	var tabs, spaces int
	for _, line := range strings.Split(code, "\n") {
		if line == "" || strings.TrimSpace(line) == "" {
			continue
		}
		switch line[0] {
		case '\t':
			tabs++
		case ' ':
			spaces++
		}
	}
	total := tabs + spaces
	if total == 0 {
		return 1
	}
	return 1 - float64(min(tabs, spaces))/float64(total)
}

// SecurityFinding is one risky pattern found in a file
type SecurityFinding struct {
	Rule string `json:"rule"`
	Line int    `json:"line"`
}

// securityRule matches blanked code unless raw is set, in which case it needs
// to see string literals (import paths, credentials)
type securityRule struct {
	rule string
	re   *regexp.Regexp
	raw  bool
}

var jsSecurityRules = []securityRule{
	{rule: "eval", re: regexp.MustCompile(`\beval\s*\(`)},
	{rule: "function-constructor", re: regexp.MustCompile(`\bnew\s+Function\s*\(`)},
	{rule: "child-process", re: regexp.MustCompile(`['"](?:node:)?child_process['"]`), raw: true},
	{rule: "inner-html", re: regexp.MustCompile(`\.innerHTML\s*=`)},
	{rule: "document-write", re: regexp.MustCompile(`\bdocument\.write\s*\(`)},
	{rule: "string-timer", re: regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*['"]`), raw: true},
}

var securityRules = map[types.Language][]securityRule{
	types.LangJavaScript: jsSecurityRules,
	types.LangTypeScript: jsSecurityRules,
	types.LangPython: {
		{rule: "eval", re: regexp.MustCompile(`\beval\s*\(`)},
		{rule: "exec", re: regexp.MustCompile(`(?:^|[^.\w])exec\s*\(`)},
		{rule: "pickle-load", re: regexp.MustCompile(`\bpickle\.loads?\s*\(`)},
		{rule: "yaml-load", re: regexp.MustCompile(`\byaml\.load\s*\(`)},
		{rule: "shell-true", re: regexp.MustCompile(`shell\s*=\s*True`)},
		{rule: "os-system", re: regexp.MustCompile(`\bos\.(?:system|popen)\s*\(`)},
		{rule: "dynamic-import", re: regexp.MustCompile(`\b__import__\s*\(`)},
	},
	types.LangGo: {
		{rule: "unsafe", re: regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:\w+\s+)?"unsafe"`), raw: true},
		{rule: "exec-command", re: regexp.MustCompile(`\bexec\.Command(?:Context)?\s*\(`)},
		{rule: "insecure-tls", re: regexp.MustCompile(`InsecureSkipVerify\s*:\s*true`)},
		{rule: "weak-hash", re: regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:\w+\s+)?"crypto/(?:md5|sha1|des|rc4)"`), raw: true},
	},
	types.LangRust: {
		{rule: "unsafe-block", re: regexp.MustCompile(`\bunsafe\s*\{`)},
		{rule: "transmute", re: regexp.MustCompile(`\bmem::transmute\b`)},
		{rule: "process-command", re: regexp.MustCompile(`\bCommand::new\s*\(`)},
	},
}

var hardcodedSecret = regexp.MustCompile(`(?i)\b(?:password|passwd|secret|api_?key|access_?token|private_?key)\w*["']?\s*[:=]\s*["'][^"'\s]{8,}["']`)

// ScanSecurity reports risky API usage and hard-coded credentials in code
func ScanSecurity(code string, lang types.Language) []SecurityFinding {
	return securityFindings(code, lex(code, lang), lang)
}

func securityFindings(code string, lx lexed, lang types.Language) []SecurityFinding {
	var findings []SecurityFinding
	match := func(rule string, re *regexp.Regexp, text string) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			findings = append(findings, SecurityFinding{Rule: rule, Line: lineOf(text, loc[0])})
		}
	}
	for _, r := range securityRules[lang] {
		text := lx.code
		if r.raw {
			text = code
		}
		match(r.rule, r.re, text)
	}
	match("hardcoded-secret", hardcodedSecret, code)
	return findings
}

// SecurityPenalty is 0.15 per finding, capped at 0.6
func SecurityPenalty(findings []SecurityFinding) float64 {
	return math.Min(0.6, 0.15*float64(len(findings)))
}

func lineOf(code string, offset int) int {
	return strings.Count(code[:offset], "\n") + 1
}

// TestProofScore grades the evidence that a file is exercised by tests:
// 0.2 for a test file, 0.2 more when it references the module, and up to 0.6
// for a passing run scaled by assertion count. An unverifiable run earns half.
func TestProofScore(ev *TestEvidence) float64 {
	if ev == nil || !ev.Found {
		return 0
	}
	score := 0.2
	if ev.ReferencesModule {
		score += 0.2
	}
	assertions := math.Min(1, float64(ev.Assertions)/float64(MinAssertions))
	switch {
	case ev.Passed == nil:
		score += 0.3 * assertions
	case *ev.Passed:
		score += 0.6 * assertions
	}
	return types.Clamp01(score)
}

// HistoricalReliability is 1 for a file that never needed healing. Frequent
// healing, and recent healing in particular, lowers it to no less than 0.3.
func HistoricalReliability(stats types.HistoryStats) float64 {
	if stats.Heals == 0 || stats.Runs == 0 {
		return 1
	}
	rate := math.Min(1, float64(stats.Heals)/float64(stats.Runs))
	recent := math.Min(1, float64(stats.RecentHeals)/10)
	return math.Max(0.3, math.Min(1, 1-0.5*rate-0.2*recent))
}

// isIdentifierLike reports whether s could be a module name in an import
func isIdentifierLike(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && (unicode.IsDigit(r) || r == '-')) {
			continue
		}
		return false
	}
	return true
}
