package coherence

import (
	"regexp"

	"github.com/steveyegge/mend/internal/types"
)

// fingerprint patterns are anchored to line starts so that keywords inside
// strings or comments of another language do not count
var fingerprints = []struct {
	lang     types.Language
	patterns []*regexp.Regexp
}{
	{types.LangGo, []*regexp.Regexp{
		regexp.MustCompile(`(?m)^package[ \t]+[A-Za-z_]\w*[ \t]*$`),
		regexp.MustCompile(`(?m)^func[ \t]+(?:\([^)]*\)[ \t]*)?[A-Za-z_]\w*[ \t]*\(`),
		regexp.MustCompile(`(?m)^import[ \t]+(?:\(|"[\w./-]+")`),
	}},
	{types.LangRust, []*regexp.Regexp{
		regexp.MustCompile(`(?m)^[ \t]*(?:pub(?:\([\w:]+\))?[ \t]+)?fn[ \t]+\w+[ \t]*(?:<[^>]*>)?\(`),
		regexp.MustCompile(`(?m)^[ \t]*use[ \t]+(?:std|crate|super|self)::`),
		regexp.MustCompile(`(?m)^[ \t]*(?:pub[ \t]+)?(?:struct|enum|trait|impl|mod)[ \t]+\w+`),
		regexp.MustCompile(`(?m)^[ \t]*let[ \t]+mut[ \t]+\w+`),
		regexp.MustCompile(`(?m)^[ \t]*#\[(?:derive|test|cfg)`),
	}},
	{types.LangPython, []*regexp.Regexp{
		regexp.MustCompile(`(?m)^[ \t]*(?:async[ \t]+)?def[ \t]+\w+[ \t]*\(.*\)[ \t]*(?:->[^:]+)?:[ \t]*(?:#.*)?$`),
		regexp.MustCompile(`(?m)^[ \t]*class[ \t]+\w+[ \t]*(?:\([^)]*\))?:[ \t]*$`),
		regexp.MustCompile(`(?m)^(?:from[ \t]+[\w.]+[ \t]+)?import[ \t]+[\w.]+(?:[ \t]+as[ \t]+\w+)?(?:[ \t]*,[ \t]*[\w.]+)*[ \t]*$`),
		regexp.MustCompile(`(?m)^if[ \t]+__name__[ \t]*==`),
	}},
	{types.LangTypeScript, []*regexp.Regexp{
		regexp.MustCompile(`(?m)^[ \t]*(?:export[ \t]+)?(?:interface|type)[ \t]+\w+(?:<[^>]*>)?[ \t]*[={]`),
		regexp.MustCompile(`(?m)^[ \t]*(?:export[ \t]+)?(?:async[ \t]+)?function[ \t]+\w+[ \t]*(?:<[^>]*>)?\([^)]*:[ \t]*\w`),
		regexp.MustCompile(`(?m)^[ \t]*(?:export[ \t]+)?(?:const|let|var)[ \t]+\w+[ \t]*:[ \t]*[\w<\[{]`),
		regexp.MustCompile(`(?m)^[ \t]*(?:public|private|protected|readonly)[ \t]+\w+`),
	}},
	{types.LangJavaScript, []*regexp.Regexp{
		regexp.MustCompile(`(?m)^[ \t]*(?:export[ \t]+)?(?:const|let|var)[ \t]+[\w${}\[\], ]+[ \t]*=`),
		regexp.MustCompile(`(?m)^[ \t]*(?:export[ \t]+)?(?:async[ \t]+)?function\*?[ \t]*\w*[ \t]*\(`),
		regexp.MustCompile(`(?m)^[ \t]*module\.exports\b`),
		regexp.MustCompile(`\brequire\(['"][^'"]+['"]\)`),
	}},
}

// DetectLanguage returns the language of a file, using the extension first and
// syntax fingerprints otherwise. The language with the most matching patterns
// wins; ties go to the language listed first.
func DetectLanguage(path, code string) types.Language {
	if lang := types.LanguageForPath(path); lang != types.LangUnknown {
		return lang
	}
	return DetectFromContent(code)
}

// DetectFromContent infers a language from source text alone
func DetectFromContent(code string) types.Language {
	best, bestHits := types.LangUnknown, 0
	for _, fp := range fingerprints {
		hits := 0
		for _, re := range fp.patterns {
			if re.MatchString(code) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = fp.lang, hits
		}
	}
	return best
}
