package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// StripTypes rewrites TypeScript into CommonJS JavaScript using pattern rewrites
// and bracket matching. It covers the constructs common in small modules and
// their tests (annotations, interfaces, type aliases, enums, generics, casts,
// access modifiers, ES module syntax) and is used only when no real TypeScript
// runtime could execute the code.
func StripTypes(src string) string {
	out := src
	out = tsImportType.ReplaceAllString(out, "")
	out = tsExportTypeList.ReplaceAllString(out, "")
	out = convertImports(out)
	out = convertExports(out)
	out = removeBlocks(out, tsDeclareBlock)
	out = removeBlocks(out, tsInterfaceDecl)
	out = removeTypeAliases(out)
	out = convertEnums(out)
	out = tsDeclareLine.ReplaceAllString(out, "")
	out = stripGenericDecls(out)
	out = stripSignatures(out)
	out = stripVariableAnnotations(out)
	out = tsMemberMods.ReplaceAllString(out, "$1")
	out = stripClassFields(out)
	out = mapCode(out, stripInlineTypeSyntax)
	return out
}

var (
	tsImportType     = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+type[ \t][^\n;]*;?[ \t]*$`)
	tsExportTypeList = regexp.MustCompile(`(?m)^[ \t]*export[ \t]+type[ \t]*\{[^}]*\}[^\n;]*;?[ \t]*$`)
	tsDeclareBlock   = regexp.MustCompile(`(?m)^[ \t]*(?:export[ \t]+)?declare[ \t]+(?:global|module|namespace)\b[^{\n]*\{`)
	tsInterfaceDecl  = regexp.MustCompile(`(?m)^[ \t]*(?:export[ \t]+)?(?:declare[ \t]+)?interface[ \t]+[\w$]+[^{]*\{`)
	tsDeclareLine    = regexp.MustCompile(`(?m)^[ \t]*(?:export[ \t]+)?declare[ \t][^\n]*$`)
	tsTypeAlias      = regexp.MustCompile(`(?m)^[ \t]*(?:export[ \t]+)?type[ \t]+[\w$]+[ \t]*(?:<[^=\n]*>)?[ \t]*=`)

	tsImportNamespace = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+\*[ \t]+as[ \t]+([\w$]+)[ \t]+from[ \t]+(['"][^'"]+['"])[ \t]*;?`)
	tsImportMixed     = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+([\w$]+)[ \t]*,[ \t]*\{([^}]*)\}[ \t]*from[ \t]+(['"][^'"]+['"])[ \t]*;?`)
	tsImportNamed     = regexp.MustCompile(`(?m)^[ \t]*import[ \t]*\{([^}]*)\}[ \t]*from[ \t]+(['"][^'"]+['"])[ \t]*;?`)
	tsImportDefault   = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+([\w$]+)[ \t]+from[ \t]+(['"][^'"]+['"])[ \t]*;?`)
	tsImportBare      = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+(['"][^'"]+['"])[ \t]*;?`)

	tsExportDefaultDecl = regexp.MustCompile(`(?m)^([ \t]*)export[ \t]+default[ \t]+((?:async[ \t]+)?function\b|class\b)`)
	tsExportDefault     = regexp.MustCompile(`(?m)^([ \t]*)export[ \t]+default[ \t]+`)
	tsExportDecl        = regexp.MustCompile(`(?m)^([ \t]*)export[ \t]+((?:async[ \t]+)?function\b|class\b|const\b|let\b|var\b|abstract\b|enum\b|interface\b|type\b|declare\b)`)
	tsExportList        = regexp.MustCompile(`(?m)^[ \t]*export[ \t]*(?:\*|\{[^}]*\})[ \t]*(?:from[ \t]*['"][^'"]+['"])?[ \t]*;?`)

	tsEnumDecl = regexp.MustCompile(`(?m)^([ \t]*)(?:const[ \t]+)?enum[ \t]+([\w$]+)[ \t]*\{`)

	tsGenericFunc  = regexp.MustCompile(`\b(function\*?[ \t]*[\w$]*)[ \t]*<[^<>()]*(?:<[^<>()]*>[^<>()]*)*>[ \t]*\(`)
	tsGenericClass = regexp.MustCompile(`\b(class[ \t]+[\w$]+)[ \t]*<[^<>{]*(?:<[^<>{]*>[^<>{]*)*>`)
	tsGenericArrow = regexp.MustCompile(`(=[ \t]*(?:async[ \t]*)?)<[\w$ ,]+(?:[ \t]+extends[^<>()]+)?>[ \t]*\(`)
	tsGenericCall  = regexp.MustCompile(`([\w$])<([A-Za-z_$][\w$.]*(?:<[\w$ .,|\[\]]+>)?(?:\[\])*(?:[ \t]*[,|][ \t]*[A-Za-z_$][\w$.]*(?:<[\w$ .,|\[\]]+>)?(?:\[\])*)*)>\(`)
	tsImplements   = regexp.MustCompile(`[ \t]+implements[ \t]+[\w$., <>]+?[ \t]*\{`)
	tsAbstract     = regexp.MustCompile(`\babstract[ \t]+`)
	tsMemberMods   = regexp.MustCompile(`(?m)^([ \t]*)(?:(?:public|private|protected|override|readonly)[ \t]+)+`)

	tsVarAnnotation = regexp.MustCompile(`\b(const|let|var)([ \t]+[\w$]+)!?[ \t]*:`)
	tsClassField    = regexp.MustCompile(`(?m)^([ \t]*)((?:static[ \t]+)?)(#?[\w$]+)[?!]?[ \t]*:[^=;\n]+?(=[^;\n]+)?;[ \t]*$`)

	tsAsCast    = regexp.MustCompile(`[ \t]+(?:as|satisfies)[ \t]+(?:const\b|[A-Za-z_$][\w$.]*(?:<[^<>;\n]*>)?(?:\[\])*)`)
	tsNonNull   = regexp.MustCompile(`([\w$)\]])!([.\[),;\s])`)
	tsParamMods = regexp.MustCompile(`^(?:(?:public|private|protected|readonly|override)[ \t]+)+`)
)

func convertImports(src string) string {
	src = tsImportNamespace.ReplaceAllString(src, "const $1 = require($2);")
	src = tsImportMixed.ReplaceAllStringFunc(src, func(m string) string {
		sub := tsImportMixed.FindStringSubmatch(m)
		return fmt.Sprintf("const %s = require(%s); const { %s } = require(%s);", sub[1], sub[3], importBindings(sub[2]), sub[3])
	})
	src = tsImportNamed.ReplaceAllStringFunc(src, func(m string) string {
		sub := tsImportNamed.FindStringSubmatch(m)
		bindings := importBindings(sub[1])
		if bindings == "" {
			return ""
		}
		return fmt.Sprintf("const { %s } = require(%s);", bindings, sub[2])
	})
	src = tsImportDefault.ReplaceAllString(src, "const $1 = require($2);")
	src = tsImportBare.ReplaceAllString(src, "require($1);")
	return src
}

// importBindings turns "a, b as c, type D" into "a, b: c"
func importBindings(list string) string {
	var parts []string
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" || strings.HasPrefix(item, "type ") {
			continue
		}
		if name, alias, ok := strings.Cut(item, " as "); ok {
			item = strings.TrimSpace(name) + ": " + strings.TrimSpace(alias)
		}
		parts = append(parts, item)
	}
	return strings.Join(parts, ", ")
}

func convertExports(src string) string {
	src = tsExportList.ReplaceAllString(src, "")
	src = tsExportDefaultDecl.ReplaceAllString(src, "$1$2")
	src = tsExportDefault.ReplaceAllString(src, "${1}module.exports.default = ")
	src = tsExportDecl.ReplaceAllString(src, "$1$2")
	return src
}

// removeBlocks deletes every match of start together with its brace-delimited body
func removeBlocks(src string, start *regexp.Regexp) string {
	for {
		loc := start.FindStringIndex(src)
		if loc == nil {
			return src
		}
		end := matchBracket(src, loc[1]-1)
		if end < 0 {
			return src
		}
		src = src[:loc[0]] + src[end+1:]
	}
}

// removeTypeAliases deletes "type X = ...;" declarations, including multi-line unions
func removeTypeAliases(src string) string {
	for {
		loc := tsTypeAlias.FindStringIndex(src)
		if loc == nil {
			return src
		}
		end := scanTypeEnd(src, loc[1], true)
		if end < len(src) && src[end] == ';' {
			end++
		}
		src = src[:loc[0]] + src[end:]
	}
}

func convertEnums(src string) string {
	for {
		sub := tsEnumDecl.FindStringSubmatchIndex(src)
		if sub == nil {
			return src
		}
		indent := src[sub[2]:sub[3]]
		name := src[sub[4]:sub[5]]
		open := sub[1] - 1
		end := matchBracket(src, open)
		if end < 0 {
			return src
		}
		body := removeComments(src[open+1 : end])
		src = src[:sub[0]] + indent + enumObject(name, body) + src[end+1:]
	}
}

// enumObject emits the same runtime shape the TypeScript compiler produces,
// including the reverse mapping for numeric members
func enumObject(name, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "const %s = (function (%s) {", name, name)
	prev := ""
	for _, member := range splitTopLevel(body, ',') {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		key, init, hasInit := strings.Cut(member, "=")
		key = strings.Trim(strings.TrimSpace(key), `'"`)
		init = strings.TrimSpace(init)
		switch {
		case hasInit && (strings.HasPrefix(init, `"`) || strings.HasPrefix(init, `'`) || strings.HasPrefix(init, "`")):
			fmt.Fprintf(&b, " %s[%q] = %s;", name, key, init)
		case hasInit:
			fmt.Fprintf(&b, " %s[%s[%q] = (%s)] = %q;", name, name, key, init, key)
		case prev == "":
			fmt.Fprintf(&b, " %s[%s[%q] = 0] = %q;", name, name, key, key)
		default:
			fmt.Fprintf(&b, " %s[%s[%q] = %s[%q] + 1] = %q;", name, name, key, name, prev, key)
		}
		prev = key
	}
	fmt.Fprintf(&b, " return %s; })({});", name)
	return b.String()
}

func stripGenericDecls(src string) string {
	src = tsGenericFunc.ReplaceAllString(src, "$1(")
	src = tsGenericClass.ReplaceAllString(src, "$1")
	src = tsGenericArrow.ReplaceAllString(src, "$1(")
	src = tsImplements.ReplaceAllString(src, " {")
	return src
}

// controlKeywords precede parenthesized expressions that are not parameter lists
var controlKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "with": true, "case": true,
	"return": true, "typeof": true, "await": true, "yield": true,
}

// stripSignatures removes parameter and return type annotations from every
// parenthesized group that is followed by a function body or an arrow.
// Groups are processed right to left so earlier offsets stay valid.
func stripSignatures(src string) string {
	opens := codeIndexes(src, '(')
	for i := len(opens) - 1; i >= 0; i-- {
		open := opens[i]
		if open >= len(src) || src[open] != '(' {
			continue
		}
		control := controlKeywords[wordBefore(src, open)]
		closeIdx := matchBracket(src, open)
		if closeIdx < 0 {
			continue
		}

		// Optional return type annotation
		after := skipSpace(src, closeIdx+1)
		rtStart, rtEnd := -1, -1
		if !control && after < len(src) && src[after] == ':' {
			end := scanReturnTypeEnd(src, after+1)
			if end < 0 {
				// A ternary branch, not a signature
				continue
			}
			rtStart, rtEnd = after, end
			after = skipSpace(src, rtEnd)
		}
		isBody := after < len(src) && src[after] == '{'
		isArrow := strings.HasPrefix(src[after:], "=>")
		if (control && !isArrow) || (!isBody && !isArrow) {
			continue
		}

		params, properties := stripParams(src[open+1 : closeIdx])
		rebuilt := src[:open+1] + params + ")"
		tail := src[closeIdx+1:]
		if rtStart >= 0 {
			tail = src[closeIdx+1:rtStart] + " " + src[rtEnd:]
		}
		if len(properties) > 0 && isBody {
			brace := strings.IndexByte(tail, '{')
			var assigns strings.Builder
			for _, p := range properties {
				fmt.Fprintf(&assigns, " this.%s = %s;", p, p)
			}
			tail = tail[:brace+1] + assigns.String() + tail[brace+1:]
		}
		src = rebuilt + tail
	}
	return src
}

// stripParams removes annotations, optional markers and parameter-property
// modifiers. It returns the names of parameter properties so the constructor
// can assign them.
func stripParams(list string) (string, []string) {
	if strings.TrimSpace(list) == "" {
		return list, nil
	}
	parts := splitTopLevel(list, ',')
	var properties []string
	for i, p := range parts {
		lead := p[:len(p)-len(strings.TrimLeft(p, " \t\n"))]
		body := strings.TrimLeft(p, " \t\n")

		if mods := tsParamMods.FindString(body); mods != "" {
			body = body[len(mods):]
			name := identPrefix(body)
			if name != "" {
				properties = append(properties, name)
			}
		}

		nameEnd, def := len(body), ""
		if eq := indexTopLevel(body, '='); eq >= 0 {
			nameEnd, def = eq, body[eq:]
		}
		decl := body[:nameEnd]
		if colon := indexTopLevel(decl, ':'); colon >= 0 {
			decl = strings.TrimRight(decl[:colon], " \t")
			if def != "" {
				decl += " "
			}
		}
		decl = strings.TrimSuffix(strings.TrimRight(decl, " \t"), "?")
		if def != "" && !strings.HasSuffix(decl, " ") {
			decl += " "
		}
		parts[i] = lead + decl + def
	}
	return strings.Join(parts, ","), properties
}

func stripVariableAnnotations(src string) string {
	for {
		loc := tsVarAnnotation.FindStringSubmatchIndex(src)
		if loc == nil {
			return src
		}
		end := scanTypeEnd(src, loc[1], false)
		src = src[:loc[0]] + src[loc[2]:loc[3]] + src[loc[4]:loc[5]] + " " + strings.TrimLeft(src[end:], " \t")
	}
}

func stripClassFields(src string) string {
	return tsClassField.ReplaceAllStringFunc(src, func(m string) string {
		sub := tsClassField.FindStringSubmatch(m)
		switch sub[3] {
		case "default", "case", "return", "break", "continue", "throw":
			return m
		}
		if sub[4] != "" {
			return fmt.Sprintf("%s%s%s %s;", sub[1], sub[2], sub[3], strings.TrimSpace(sub[4]))
		}
		return fmt.Sprintf("%s%s%s;", sub[1], sub[2], sub[3])
	})
}

// stripInlineTypeSyntax handles constructs that only appear in code, never in
// string literals: casts, non-null assertions, call-site generics, abstract
func stripInlineTypeSyntax(code string) string {
	code = tsAsCast.ReplaceAllString(code, "")
	code = tsNonNull.ReplaceAllString(code, "$1$2")
	code = tsGenericCall.ReplaceAllString(code, "$1(")
	code = tsAbstract.ReplaceAllString(code, "")
	return code
}

// scanTypeEnd finds where a type expression starting at i ends. Types stop at
// '=', ';', ',' or ')' at depth zero, or at a newline unless the expression
// continues with '|' or '&'. When alias is true, '=' does not terminate.
func scanTypeEnd(src string, i int, alias bool) int {
	depth := 0
	for i < len(src) {
		c := src[i]
		switch c {
		case '{', '(', '[', '<':
			depth++
		case '}', ')', ']':
			if depth == 0 {
				return i
			}
			depth--
		case '>':
			if depth > 0 && (i == 0 || src[i-1] != '=') {
				depth--
			}
		case '\'', '"', '`':
			i = skipString(src, i)
			continue
		case ';':
			if depth == 0 {
				return i
			}
		case '=':
			if depth == 0 && !alias && (i+1 >= len(src) || src[i+1] != '>') {
				return i
			}
		case ',':
			if depth == 0 && !alias {
				return i
			}
		case '\n':
			if depth == 0 {
				next := strings.TrimLeft(src[i+1:], " \t\r\n")
				prev := strings.TrimRight(src[:i], " \t\r")
				if !strings.HasPrefix(next, "|") && !strings.HasPrefix(next, "&") &&
					!strings.HasSuffix(prev, "|") && !strings.HasSuffix(prev, "&") && !strings.HasSuffix(prev, "=") {
					return i
				}
			}
		}
		i++
	}
	return i
}

// scanReturnTypeEnd finds the end of a return type annotation: the '{' of the
// body or the '=>' of an arrow, at depth zero. Returns -1 when the text cannot
// be a return type, as with the ':' of a ternary.
func scanReturnTypeEnd(src string, i int) int {
	i = skipSpace(src, i)
	if i < len(src) && src[i] == '{' {
		// Object type literal; the body brace follows it
		end := matchBracket(src, i)
		if end < 0 {
			return -1
		}
		i = end + 1
	}
	depth := 0
	for i < len(src) {
		switch src[i] {
		case '(', '[', '<':
			depth++
		case ')', ']':
			depth--
			if depth < 0 {
				return -1
			}
		case '>':
			if i > 0 && src[i-1] == '=' && depth == 0 {
				return i - 1
			}
			if depth > 0 {
				depth--
			}
		case '{':
			if depth == 0 {
				return i
			}
		case ';', ',', '}':
			if depth == 0 {
				return -1
			}
		case '\n':
			if depth == 0 {
				next := strings.TrimLeft(src[i:], " \t\r\n")
				if strings.HasPrefix(next, "{") || strings.HasPrefix(next, "=>") {
					return i
				}
				return -1
			}
		}
		i++
	}
	return -1
}

// matchBracket returns the index of the bracket closing the one at open,
// skipping string literals and comments, or -1
func matchBracket(src string, open int) int {
	var closeCh byte
	switch src[open] {
	case '(':
		closeCh = ')'
	case '{':
		closeCh = '}'
	case '[':
		closeCh = ']'
	default:
		return -1
	}
	openCh := src[open]
	depth := 0
	for i := open; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipString(src, i)
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				return -1
			}
			i += nl
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return -1
			}
			i += end + 4
			continue
		case c == openCh:
			depth++
		case c == closeCh:
			depth--
			if depth == 0 {
				return i
			}
		}
		i++
	}
	return -1
}

// skipString returns the index just past the string literal starting at i
func skipString(src string, i int) int {
	quote := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		case '\n':
			if quote != '`' {
				return j
			}
		}
	}
	return len(src)
}

// codeIndexes returns the offsets of ch that are outside strings and comments
func codeIndexes(src string, ch byte) []int {
	var idx []int
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipString(src, i)
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				return idx
			}
			i += nl
			continue
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return idx
			}
			i += end + 4
			continue
		case c == ch:
			idx = append(idx, i)
		}
		i++
	}
	return idx
}

// mapCode applies fn to the code between string literals and comments
func mapCode(src string, fn func(string) string) string {
	var b strings.Builder
	start := 0
	flush := func(end int) {
		if end > start {
			b.WriteString(fn(src[start:end]))
		}
	}
	for i := 0; i < len(src); {
		c := src[i]
		var end int
		switch {
		case c == '\'' || c == '"' || c == '`':
			end = skipString(src, i)
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			nl := strings.IndexByte(src[i:], '\n')
			end = len(src)
			if nl >= 0 {
				end = i + nl
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			endComment := strings.Index(src[i+2:], "*/")
			end = len(src)
			if endComment >= 0 {
				end = i + endComment + 4
			}
		default:
			i++
			continue
		}
		flush(i)
		b.WriteString(src[i:end])
		start, i = end, end
	}
	flush(len(src))
	return b.String()
}

// removeComments drops // and /* */ comments, leaving string literals intact
func removeComments(src string) string {
	var b strings.Builder
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := skipString(src, i)
			b.WriteString(src[i:end])
			i = end
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				return b.String()
			}
			i += nl
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			i += end + 4
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// splitTopLevel splits on sep when not nested inside brackets or strings
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, last := 0, 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipString(s, i)
			continue
		case c == '(' || c == '[' || c == '{' || c == '<':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == '>' && depth > 0 && (i == 0 || s[i-1] != '='):
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
		i++
	}
	return append(parts, s[last:])
}

// indexTopLevel finds sep outside brackets and strings, or -1
func indexTopLevel(s string, sep byte) int {
	depth := 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			i = skipString(s, i)
			continue
		case c == '(' || c == '[' || c == '{' || c == '<':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == '>' && depth > 0 && (i == 0 || s[i-1] != '='):
			depth--
		case c == sep && depth == 0:
			// "=>" inside a default value is not an assignment boundary
			if sep == '=' && i+1 < len(s) && s[i+1] == '>' {
				i += 2
				continue
			}
			return i
		}
		i++
	}
	return -1
}

func wordBefore(src string, i int) string {
	j := i
	for j > 0 && (src[j-1] == ' ' || src[j-1] == '\t') {
		j--
	}
	k := j
	for k > 0 && isIdentByte(src[k-1]) {
		k--
	}
	return src[k:j]
}

func identPrefix(s string) string {
	i := 0
	for i < len(s) && isIdentByte(s[i]) {
		i++
	}
	return s[:i]
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func skipSpace(src string, i int) int {
	for i < len(src) && (src[i] == ' ' || src[i] == '\t' || src[i] == '\n' || src[i] == '\r') {
		i++
	}
	return i
}
