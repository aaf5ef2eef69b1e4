package coherence

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/steveyegge/mend/internal/types"
)

// MaxStructuralAdjustment bounds the AST-derived boost or penalty
const MaxStructuralAdjustment = 0.05

// structure is what the scorer learns from a tree-sitter parse
type structure struct {
	parsed     bool
	errorNodes int
	nodes      int
	functions  int
	blockDepth int
}

var functionNodes = map[string]bool{
	"function_declaration":           true,
	"generator_function_declaration": true,
	"function_definition":            true,
	"function_expression":            true,
	"arrow_function":                 true,
	"method_declaration":             true,
	"method_definition":              true,
	"function_item":                  true,
	"func_literal":                   true,
	"closure_expression":             true,
}

var blockNodes = map[string]bool{
	"statement_block":  true,
	"block":            true,
	"class_body":       true,
	"declaration_list": true,
}

func grammar(lang types.Language) *sitter.Language {
	switch lang {
	case types.LangJavaScript:
		return javascript.GetLanguage()
	case types.LangTypeScript:
		return typescript.GetLanguage()
	case types.LangPython:
		return python.GetLanguage()
	case types.LangGo:
		return golang.GetLanguage()
	case types.LangRust:
		return rust.GetLanguage()
	}
	return nil
}

// analyzeStructure parses code with the language's tree-sitter grammar. The
// result has parsed == false when no grammar exists or parsing failed.
func analyzeStructure(ctx context.Context, lang types.Language, code string) structure {
	var st structure
	g := grammar(lang)
	if g == nil || code == "" {
		return st
	}

	// Parsers are not safe for concurrent use, so each call gets its own
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g)

	source := []byte(code)
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil || tree == nil {
		return st
	}
	defer tree.Close()

	st.parsed = true
	walkStructure(tree.RootNode(), 0, &st)
	return st
}

func walkStructure(node *sitter.Node, depth int, st *structure) {
	if node == nil {
		return
	}
	st.nodes++
	if node.Type() == "ERROR" || node.IsMissing() {
		st.errorNodes++
	}
	if functionNodes[node.Type()] {
		st.functions++
	}
	if blockNodes[node.Type()] {
		depth++
		if depth > st.blockDepth {
			st.blockDepth = depth
		}
	}

	cursor := sitter.NewTreeCursor(node)
	defer cursor.Close()
	if ok := cursor.GoToFirstChild(); ok {
		for {
			walkStructure(cursor.CurrentNode(), depth, st)
			if ok := cursor.GoToNextSibling(); !ok {
				break
			}
		}
	}
}

// parseScore is 1 for a clean parse and falls by 0.2 per error node
func (st structure) parseScore() float64 {
	return types.Clamp01(1 - 0.2*float64(st.errorNodes))
}

// adjustment rewards error-free code organised into functions with shallow
// nesting and penalises parse errors. Always within ±MaxStructuralAdjustment.
func (st structure) adjustment() float64 {
	if !st.parsed {
		return 0
	}
	var adj float64
	if st.errorNodes > 0 {
		adj -= 0.02 + 0.01*float64(st.errorNodes)
	} else {
		adj += 0.01
	}
	if st.functions > 0 {
		adj += 0.02
	}
	switch {
	case st.blockDepth > 0 && st.blockDepth <= 4:
		adj += 0.02
	case st.blockDepth > 6:
		adj -= 0.02
	}
	if adj > MaxStructuralAdjustment {
		adj = MaxStructuralAdjustment
	}
	if adj < -MaxStructuralAdjustment {
		adj = -MaxStructuralAdjustment
	}
	return adj
}
