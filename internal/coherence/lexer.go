package coherence

import (
	"strings"

	"github.com/steveyegge/mend/internal/types"
)

// lexed is source with string literals and comments blanked out. Newlines are
// preserved so line-based measurements still line up with the original.
type lexed struct {
	code         string
	commentLines int
	unterminated bool
}

type commentStyle struct {
	line        string
	blockOpen   string
	blockClose  string
	tripleQuote bool
	backtick    bool
	charLiteral bool
}

func styleFor(lang types.Language) commentStyle {
	switch lang {
	case types.LangPython:
		return commentStyle{line: "#", tripleQuote: true}
	case types.LangGo:
		return commentStyle{line: "//", blockOpen: "/*", blockClose: "*/", backtick: true, charLiteral: true}
	case types.LangRust:
		return commentStyle{line: "//", blockOpen: "/*", blockClose: "*/", charLiteral: true}
	default:
		return commentStyle{line: "//", blockOpen: "/*", blockClose: "*/", backtick: true}
	}
}

func lex(code string, lang types.Language) lexed {
	style := styleFor(lang)
	out := []byte(code)
	commentOn := map[int]bool{}
	line := 0
	var res lexed

	blank := func(from, to int) {
		for k := from; k < to && k < len(out); k++ {
			if out[k] == '\n' {
				line++
				continue
			}
			out[k] = ' '
		}
	}
	markComment := func(from, to int) {
		start := line
		blank(from, to)
		for l := start; l <= line; l++ {
			commentOn[l] = true
		}
	}

	for i := 0; i < len(code); {
		c := code[i]
		switch {
		case c == '\n':
			line++
			i++

		case strings.HasPrefix(code[i:], style.line):
			end := strings.IndexByte(code[i:], '\n')
			if end < 0 {
				end = len(code) - i
			}
			markComment(i, i+end)
			i += end

		case style.blockOpen != "" && strings.HasPrefix(code[i:], style.blockOpen):
			end := strings.Index(code[i+2:], style.blockClose)
			if end < 0 {
				res.unterminated = true
				markComment(i, len(code))
				i = len(code)
				continue
			}
			stop := i + 2 + end + len(style.blockClose)
			markComment(i, stop)
			i = stop

		case style.tripleQuote && (strings.HasPrefix(code[i:], `"""`) || strings.HasPrefix(code[i:], `'''`)):
			quote := code[i : i+3]
			end := strings.Index(code[i+3:], quote)
			if end < 0 {
				res.unterminated = true
				blank(i, len(code))
				i = len(code)
				continue
			}
			stop := i + 3 + end + 3
			blank(i, stop)
			i = stop

		case c == '"' || (c == '\'' && !style.charLiteral) || (c == '`' && style.backtick):
			stop, ok := stringEnd(code, i, c == '`')
			if !ok {
				res.unterminated = true
			}
			blank(i, stop)
			i = stop

		case c == '\'' && style.charLiteral:
			if stop, ok := charLiteralEnd(code, i); ok {
				blank(i, stop)
				i = stop
				continue
			}
			// Rust lifetime such as 'a
			i++

		default:
			i++
		}
	}

	res.code = string(out)
	res.commentLines = len(commentOn)
	return res
}

// stringEnd returns the offset just past the literal starting at i. Only
// backtick literals may span lines.
func stringEnd(code string, i int, multiline bool) (int, bool) {
	quote := code[i]
	for j := i + 1; j < len(code); j++ {
		switch code[j] {
		case '\\':
			j++
		case quote:
			return j + 1, true
		case '\n':
			if !multiline {
				return j, false
			}
		}
	}
	return len(code), false
}

// charLiteralEnd recognizes 'x' and '\n' style literals
func charLiteralEnd(code string, i int) (int, bool) {
	if i+2 < len(code) && code[i+1] != '\\' && code[i+2] == '\'' {
		return i + 3, true
	}
	if i+1 < len(code) && code[i+1] == '\\' {
		for j := i + 2; j < len(code) && j < i+12; j++ {
			if code[j] == '\'' {
				return j + 1, true
			}
			if code[j] == '\n' {
				break
			}
		}
	}
	// Multi-byte rune such as 'é'
	if i+1 < len(code) && code[i+1] >= 0x80 {
		for j := i + 2; j < len(code) && j < i+6; j++ {
			if code[j] == '\'' {
				return j + 1, true
			}
		}
	}
	return i + 1, false
}

// bracketBalance counts brackets that are unmatched or closed by the wrong kind
func bracketBalance(code string) (unmatched, total int) {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch c {
		case '(', '[', '{':
			stack = append(stack, c)
			total++
		case ')', ']', '}':
			total++
			if len(stack) > 0 && stack[len(stack)-1] == pairs[c] {
				stack = stack[:len(stack)-1]
				continue
			}
			unmatched++
		}
	}
	return unmatched + len(stack), total
}
