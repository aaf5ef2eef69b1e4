package sandbox

import (
	"fmt"
	"go/parser"
	"go/token"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/mend/internal/types"
)

// BlockedPrefix starts every message about a denied capability
const BlockedPrefix = "BLOCKED:"

// Violation describes a forbidden capability found in sandboxed code
type Violation struct {
	Language   types.Language
	Capability string
	Detail     string
}

func (v *Violation) Error() string {
	if v.Detail == "" {
		return fmt.Sprintf("%s %s is not available in the sandbox", BlockedPrefix, v.Capability)
	}
	return fmt.Sprintf("%s %s is not available in the sandbox (%s)", BlockedPrefix, v.Capability, v.Detail)
}

// Deny lists. Subprocess creation and network access are never allowed.
var (
	denyJS = []string{
		"child_process", "cluster", "dgram", "dns", "http", "http2", "https",
		"inspector", "net", "tls", "worker_threads",
	}
	denyPython = []string{
		"asyncio", "ctypes", "ftplib", "http", "imaplib", "multiprocessing", "paramiko",
		"pexpect", "poplib", "pty", "requests", "smtplib", "socket", "socketserver",
		"ssl", "subprocess", "telnetlib", "urllib", "urllib3", "webbrowser", "xmlrpc",
	}
	denyPythonOS = []string{
		"system", "popen", "fork", "forkpty", "execv", "execve", "execvp", "execvpe",
		"execl", "execle", "execlp", "execlpe", "spawnv", "spawnve", "spawnvp", "spawnvpe",
		"spawnl", "spawnle", "posix_spawn", "posix_spawnp", "kill", "killpg",
	}
	denyGo = []string{
		"C", "net", "os/exec", "plugin", "runtime/cgo", "syscall", "unsafe",
		"golang.org/x/sys/unix", "golang.org/x/sys/windows",
	}
)

// DenyList returns the denied modules/packages for a built-in language
func DenyList(lang types.Language) []string {
	var list []string
	switch lang {
	case types.LangJavaScript, types.LangTypeScript:
		list = denyJS
	case types.LangPython:
		list = denyPython
	case types.LangGo:
		list = denyGo
	case types.LangRust:
		list = []string{"std::process", "std::net", "std::os::unix::net", "extern crate", "libc", "extern \"C\""}
	}
	out := append([]string(nil), list...)
	sort.Strings(out)
	return out
}

func scanForbidden(lang types.Language, runner LanguageRunner, code, testCode string) *Violation {
	if s, ok := runner.(ForbiddenScanner); ok {
		return s.ScanForbidden(code, testCode)
	}
	switch lang {
	case types.LangJavaScript, types.LangTypeScript:
		return scanJS(lang, code, testCode)
	case types.LangPython:
		return scanPython(code, testCode)
	case types.LangGo:
		return scanGo(code, testCode)
	case types.LangRust:
		return scanRust(code, testCode)
	}
	return nil
}

var (
	jsModuleRefs = []*regexp.Regexp{
		regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`),
		regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"]+)['"]\s*\)`),
		regexp.MustCompile(`\bfrom\s+['"]([^'"]+)['"]`),
		regexp.MustCompile(`(?m)^\s*import\s+['"]([^'"]+)['"]`),
	}
	jsProcessBinding = regexp.MustCompile(`\bprocess\s*\.\s*(binding|_linkedBinding|dlopen)\b`)
)

// scanJS rejects require/import of denied Node builtins before node ever starts
func scanJS(lang types.Language, sources ...string) *Violation {
	for _, src := range sources {
		for _, re := range jsModuleRefs {
			for _, m := range re.FindAllStringSubmatch(src, -1) {
				name := strings.TrimPrefix(m[1], "node:")
				root := strings.SplitN(name, "/", 2)[0]
				if contains(denyJS, root) {
					return &Violation{Language: lang, Capability: "module " + strconv.Quote(root), Detail: "subprocess and network modules are denied"}
				}
			}
		}
		if m := jsProcessBinding.FindStringSubmatch(src); m != nil {
			return &Violation{Language: lang, Capability: "process." + m[1], Detail: "native bindings are denied"}
		}
	}
	return nil
}

var (
	pyImport      = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+([\w., \t]+)`)
	pyFromImport  = regexp.MustCompile(`(?m)^[ \t]*from[ \t]+([\w.]+)[ \t]+import\b`)
	pyDynImport   = regexp.MustCompile(`\b(?:__import__|importlib\s*\.\s*import_module)\s*\(\s*['"]([\w.]+)['"]`)
	pyOSCall      = regexp.MustCompile(`\bos\s*\.\s*(\w+)\s*\(`)
	pyImportAlias = regexp.MustCompile(`\s+as\s+\w+`)
)

// scanPython rejects imports of denied modules and calls to process-spawning os functions
func scanPython(sources ...string) *Violation {
	deny := func(mod string) *Violation {
		root := strings.SplitN(strings.TrimSpace(mod), ".", 2)[0]
		if contains(denyPython, root) {
			return &Violation{Language: types.LangPython, Capability: "module " + strconv.Quote(root), Detail: "subprocess and network modules are denied"}
		}
		return nil
	}

	for _, src := range sources {
		for _, m := range pyImport.FindAllStringSubmatch(src, -1) {
			for _, part := range strings.Split(pyImportAlias.ReplaceAllString(m[1], ""), ",") {
				if v := deny(part); v != nil {
					return v
				}
			}
		}
		for _, re := range []*regexp.Regexp{pyFromImport, pyDynImport} {
			for _, m := range re.FindAllStringSubmatch(src, -1) {
				if v := deny(m[1]); v != nil {
					return v
				}
			}
		}
		for _, m := range pyOSCall.FindAllStringSubmatch(src, -1) {
			if contains(denyPythonOS, m[1]) {
				return &Violation{Language: types.LangPython, Capability: "os." + m[1], Detail: "process creation is denied"}
			}
		}
	}
	return nil
}

var goImportSpec = regexp.MustCompile(`"([^"]+)"`)

// scanGo parses import declarations and rejects denied packages
func scanGo(sources ...string) *Violation {
	for _, src := range sources {
		if strings.TrimSpace(src) == "" {
			continue
		}
		for _, path := range goImports(src) {
			if contains(denyGo, path) || strings.HasPrefix(path, "net/") {
				return &Violation{Language: types.LangGo, Capability: "package " + strconv.Quote(path), Detail: "subprocess, network and unsafe packages are denied"}
			}
		}
	}
	return nil
}

// goImports returns the import paths of a Go file, falling back to a textual
// scan of import blocks when the file does not parse
func goImports(src string) []string {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", ensureGoPackage(src, "sandbox"), parser.ImportsOnly)
	if err == nil {
		paths := make([]string, 0, len(file.Imports))
		for _, imp := range file.Imports {
			if p, err := strconv.Unquote(imp.Path.Value); err == nil {
				paths = append(paths, p)
			}
		}
		return paths
	}

	var paths []string
	inBlock := false
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock || strings.HasPrefix(trimmed, "import "):
			if m := goImportSpec.FindStringSubmatch(trimmed); m != nil {
				paths = append(paths, m[1])
			}
		}
	}
	return paths
}

var rustForbidden = []struct {
	re         *regexp.Regexp
	capability string
}{
	{regexp.MustCompile(`\bstd\s*::\s*process\b`), "std::process"},
	{regexp.MustCompile(`\bstd\s*::\s*net\b`), "std::net"},
	{regexp.MustCompile(`\bstd\s*::\s*os\s*::\s*unix\s*::\s*net\b`), "std::os::unix::net"},
	{regexp.MustCompile(`\buse\s+std\s*::\s*\{[^}]*\b(?:process|net)\b`), "std::process"},
	{regexp.MustCompile(`\bCommand\s*::\s*new\b`), "std::process::Command"},
	{regexp.MustCompile(`\b(?:TcpStream|TcpListener|UdpSocket)\b`), "std::net"},
	{regexp.MustCompile(`\bextern\s+crate\b`), "extern crate"},
	{regexp.MustCompile(`\bextern\s+"C"`), "extern \"C\""},
	{regexp.MustCompile(`\blibc\s*::`), "libc"},
	{regexp.MustCompile(`#\s*\[\s*link\b`), "#[link]"},
}

// scanRust rejects process, network and FFI usage
func scanRust(sources ...string) *Violation {
	for _, src := range sources {
		code := stripLineComments(src, "//")
		for _, f := range rustForbidden {
			if f.re.MatchString(code) {
				return &Violation{Language: types.LangRust, Capability: f.capability, Detail: "subprocess, network and FFI are denied"}
			}
		}
	}
	return nil
}

func stripLineComments(src, marker string) string {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		if idx := strings.Index(line, marker); idx >= 0 && !strings.Contains(line[:idx], `"`) {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func quotedList(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = strconv.Quote(name)
	}
	return strings.Join(quoted, ", ")
}

// jsHooksFile holds the ESM resolve hook registered by the guard
const jsHooksFile = "sandbox-hooks.mjs"

// jsGuardScript is preloaded with --require. It patches Module._load for
// require(), registers jsHooksScript so import() resolves through the same
// deny list, and disables native bindings.
func jsGuardScript() string {
	return strings.NewReplacer("{{DENIED}}", quotedList(denyJS), "{{BLOCKED}}", BlockedPrefix, "{{HOOKS}}", jsHooksFile).Replace(`'use strict';
const Module = require('module');
const path = require('path');
const { pathToFileURL } = require('url');
const denied = new Set([{{DENIED}}]);
const rootName = (request) => String(request).replace(/^node:/, '').split('/')[0];
const blocked = (name) => {
  const err = new Error('{{BLOCKED}} module "' + name + '" is not available in the sandbox');
  err.code = 'ERR_SANDBOX_BLOCKED';
  return err;
};

const originalLoad = Module._load;
Module._load = function (request, parent, isMain) {
  const name = rootName(request);
  if (denied.has(name)) {
    throw blocked(name);
  }
  return originalLoad.apply(this, arguments);
};

if (typeof Module.register === 'function') {
  Module.register(pathToFileURL(path.join(__dirname, '{{HOOKS}}')).href);
}

if (typeof process.getBuiltinModule === 'function') {
  const originalGetBuiltin = process.getBuiltinModule;
  Object.defineProperty(process, 'getBuiltinModule', {
    value: function (id) {
      const name = rootName(id);
      if (denied.has(name)) {
        throw blocked(name);
      }
      return originalGetBuiltin.call(process, id);
    },
  });
}

for (const key of ['binding', '_linkedBinding', 'dlopen']) {
  try {
    Object.defineProperty(process, key, {
      value: function () { throw new Error('{{BLOCKED}} process.' + key + ' is not available in the sandbox'); },
    });
  } catch (e) {}
}
`)
}

// jsHooksScript is an ESM loader hook rejecting denied builtins in import()
// and static imports, which bypass Module._load
func jsHooksScript() string {
	return strings.NewReplacer("{{DENIED}}", quotedList(denyJS), "{{BLOCKED}}", BlockedPrefix).Replace(`const denied = new Set([{{DENIED}}]);

export async function resolve(specifier, context, nextResolve) {
  const name = String(specifier).replace(/^node:/, '').split('/')[0];
  if (denied.has(name)) {
    const err = new Error('{{BLOCKED}} module "' + name + '" is not available in the sandbox');
    err.code = 'ERR_SANDBOX_BLOCKED';
    throw err;
  }
  return nextResolve(specifier, context);
}
`)
}

// writeJSGuard writes the guard preload and its loader hook into the workspace
func writeJSGuard(ws *Workspace) error {
	if err := ws.WriteFile(jsHooksFile, jsHooksScript()); err != nil {
		return err
	}
	return ws.WriteFile(jsGuardFile, jsGuardScript())
}

// pythonGuardScript is prepended to the program. Imports of denied modules are
// refused when the code asking for them lives in the workspace or was compiled
// from a string; the standard library may still import them for its own use.
// A sys.meta_path finder catches importlib and exec, the __import__ wrapper
// catches modules already cached in sys.modules. It also disables
// process-spawning os functions and caps the data segment.
func pythonGuardScript(maxMemoryMB int) string {
	return strings.NewReplacer(
		"{{DENIED}}", quotedList(denyPython),
		"{{DENIED_OS}}", quotedList(denyPythonOS),
		"{{BLOCKED}}", BlockedPrefix,
		"{{MEMORY_MB}}", strconv.Itoa(maxMemoryMB),
	).Replace(`import builtins as _mend_builtins
import importlib as _mend_importlib
import os as _mend_os
import sys as _mend_sys

_mend_denied = frozenset([{{DENIED}}])
_mend_script = _mend_sys._getframe().f_code.co_filename
_mend_workspace = _mend_os.path.dirname(_mend_os.path.abspath(_mend_script)) + _mend_os.sep
_mend_guard_frames = frozenset(["_mend_guarded_import", "_mend_import_module", "_mend_user_caller", "_mend_check", "find_spec"])


def _mend_user_caller():
    frame = _mend_sys._getframe(1)
    while frame is not None:
        filename = frame.f_code.co_filename
        if filename == _mend_script and frame.f_code.co_name in _mend_guard_frames:
            frame = frame.f_back
            continue
        if filename.startswith("<frozen"):
            frame = frame.f_back
            continue
        if filename == _mend_script or not _mend_os.path.isabs(filename) or filename.startswith(_mend_workspace):
            return True
        if _mend_os.path.basename(_mend_os.path.dirname(filename)) == "importlib":
            frame = frame.f_back
            continue
        return False
    return False


def _mend_check(name):
    root = name.split(".")[0]
    if root in _mend_denied and _mend_user_caller():
        raise ImportError("{{BLOCKED}} module '" + root + "' is not available in the sandbox")


class _MendFinder:
    @staticmethod
    def find_spec(name, path=None, target=None):
        _mend_check(name)
        return None


_mend_real_import = _mend_builtins.__import__
_mend_real_import_module = _mend_importlib.import_module


def _mend_guarded_import(name, globals=None, locals=None, fromlist=(), level=0):
    if level == 0:
        _mend_check(name)
    return _mend_real_import(name, globals, locals, fromlist, level)


def _mend_import_module(name, package=None):
    if not name.startswith("."):
        _mend_check(name)
    return _mend_real_import_module(name, package)


for _mend_name in list(_mend_sys.modules):
    if _mend_name.split(".")[0] in _mend_denied:
        del _mend_sys.modules[_mend_name]

_mend_sys.meta_path.insert(0, _MendFinder)
_mend_builtins.__import__ = _mend_guarded_import
_mend_importlib.import_module = _mend_import_module


def _mend_blocked(fn):
    def _raise(*args, **kwargs):
        raise PermissionError("{{BLOCKED}} os." + fn + " is not available in the sandbox")
    return _raise


for _mend_fn in [{{DENIED_OS}}]:
    if hasattr(_mend_os, _mend_fn):
        setattr(_mend_os, _mend_fn, _mend_blocked(_mend_fn))

try:
    import resource as _mend_resource
    _mend_limit = {{MEMORY_MB}} * 1024 * 1024
    _mend_resource.setrlimit(_mend_resource.RLIMIT_DATA, (_mend_limit, _mend_limit))
except Exception:
    pass

del _mend_fn, _mend_name
`)
}
