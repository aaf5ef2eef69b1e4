package coherence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/steveyegge/mend/internal/types"
)

func TestDetectLanguageByExtension(t *testing.T) {
	// Extension wins over content
	assert.Equal(t, types.LangPython, DetectLanguage("tool.py", "package main\n\nfunc main() {}\n"))
	assert.Equal(t, types.LangTypeScript, DetectLanguage("src/app.ts", ""))
	assert.Equal(t, types.LangRust, DetectLanguage("src/lib.rs", ""))
}

func TestDetectFromContent(t *testing.T) {
	tests := []struct {
		name string
		code string
		want types.Language
	}{
		{
			name: "go",
			code: "package main\n\nfunc main() {}\n",
			want: types.LangGo,
		},
		{
			name: "rust",
			code: "use std::collections::HashMap;\n\nfn main() {\n    let mut m = HashMap::new();\n}\n",
			want: types.LangRust,
		},
		{
			name: "python",
			code: "import os\n\ndef add(a, b):\n    return a + b\n",
			want: types.LangPython,
		},
		{
			name: "typescript",
			code: "interface User {\n  id: number;\n}\nconst u: User = { id: 1 };\n",
			want: types.LangTypeScript,
		},
		{
			name: "javascript",
			code: "const fs = require('fs');\nmodule.exports = { fs };\n",
			want: types.LangJavaScript,
		},
		{
			name: "keywords inside strings do not count",
			code: "const s = \"def foo():\";\nconst t = 1;\n",
			want: types.LangJavaScript,
		},
		{
			name: "prose",
			code: "hello world\nnothing to see here\n",
			want: types.LangUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFromContent(tt.code))
			assert.Equal(t, tt.want, DetectLanguage("script", tt.code))
		})
	}
}
