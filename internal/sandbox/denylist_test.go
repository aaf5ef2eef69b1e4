package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/types"
)

func TestScanJS(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		blocked string
	}{
		{"require child_process", `const cp = require('child_process');`, `"child_process"`},
		{"node prefix", `const net = require("node:net")`, `"net"`},
		{"esm import", `import http from 'http';`, `"http"`},
		{"dynamic import", `await import('https')`, `"https"`},
		{"subpath", `require('dns/promises')`, `"dns"`},
		{"process binding", `process.binding('spawn_sync')`, "process.binding"},
		{"allowed assert", `const assert = require('assert');`, ""},
		{"allowed fs", `import { readFileSync } from 'node:fs';`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := scanJS(types.LangJavaScript, tt.src)
			if tt.blocked == "" {
				assert.Nil(t, v)
				return
			}
			require.NotNil(t, v)
			assert.Contains(t, v.Capability, tt.blocked)
			assert.True(t, strings.HasPrefix(v.Error(), BlockedPrefix))
		})
	}
}

func TestScanPython(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		blocked bool
	}{
		{"import subprocess", "import subprocess\n", true},
		{"import list", "import os, socket\n", true},
		{"from import", "from urllib.request import urlopen\n", true},
		{"aliased", "import multiprocessing as mp\n", true},
		{"dunder import", "m = __import__('ctypes')\n", true},
		{"importlib", "importlib.import_module('ssl')\n", true},
		{"os.system", "import os\nos.system('ls')\n", true},
		{"os.popen", "os.popen('ls')", true},
		{"indented import", "def f():\n    import socket\n", true},
		{"allowed", "import os\nimport json\nfrom collections import Counter\nprint(os.path.join('a', 'b'))\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := scanPython(tt.src)
			assert.Equal(t, tt.blocked, v != nil, "violation: %v", v)
		})
	}
}

func TestScanGo(t *testing.T) {
	blocked := []string{
		"package x\nimport \"os/exec\"\n",
		"package x\nimport (\n\t\"fmt\"\n\t\"net/http\"\n)\n",
		"import \"syscall\"\nfunc f() {}",
		"package x\nimport u \"unsafe\"\n",
	}
	for _, src := range blocked {
		assert.NotNil(t, scanGo(src), src)
	}

	allowed := "package x\n\nimport (\n\t\"fmt\"\n\t\"strings\"\n\t\"testing\"\n)\n"
	assert.Nil(t, scanGo(allowed))
}

func TestScanGoIgnoresBrokenBody(t *testing.T) {
	src := "package x\nimport (\n\t\"os/exec\"\n)\nfunc broken( {"
	v := scanGo(src)
	require.NotNil(t, v)
	assert.Contains(t, v.Capability, "os/exec")
}

func TestScanRust(t *testing.T) {
	blocked := []string{
		"use std::process::Command;",
		"fn f() { std::process::exit(1); }",
		"use std::net::TcpStream;",
		"use std::{fs, process};",
		"extern crate libc;",
		"extern \"C\" { fn abs(x: i32) -> i32; }",
	}
	for _, src := range blocked {
		assert.NotNil(t, scanRust(src), src)
	}

	assert.Nil(t, scanRust("pub fn add(a: i32, b: i32) -> i32 { a + b }\n// std::process is mentioned only in a comment\n"))
}

func TestDenyListIsSorted(t *testing.T) {
	list := DenyList(types.LangPython)
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.LessOrEqual(t, list[i-1], list[i])
	}
	assert.Contains(t, DenyList(types.LangJavaScript), "child_process")
	assert.Empty(t, DenyList(types.Language("cobol")))
}

func TestGuardScripts(t *testing.T) {
	js := jsGuardScript()
	assert.Contains(t, js, "Module._load")
	assert.Contains(t, js, "Module.register")
	assert.Contains(t, js, jsHooksFile)
	assert.Contains(t, js, "getBuiltinModule")
	assert.Contains(t, js, `"child_process"`)
	assert.Contains(t, js, BlockedPrefix)
	assert.NotContains(t, js, "{{")

	hooks := jsHooksScript()
	assert.Contains(t, hooks, "export async function resolve")
	assert.Contains(t, hooks, `"worker_threads"`)
	assert.Contains(t, hooks, BlockedPrefix)
	assert.NotContains(t, hooks, "{{")

	py := pythonGuardScript(64)
	assert.Contains(t, py, "_mend_sys.meta_path.insert(0, _MendFinder)")
	assert.Contains(t, py, "_mend_builtins.__import__ = _mend_guarded_import")
	assert.Contains(t, py, "_mend_importlib.import_module = _mend_import_module")
	assert.Contains(t, py, `"subprocess"`)
	assert.Contains(t, py, `"posix_spawn"`)
	assert.Contains(t, py, "64 * 1024 * 1024")
	assert.Contains(t, py, BlockedPrefix+" module '")
	assert.NotContains(t, py, "{{")
}
