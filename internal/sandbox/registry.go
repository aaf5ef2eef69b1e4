package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/mend/internal/types"
)

// LanguageRunner executes code and tests for one language inside a Workspace
type LanguageRunner interface {
	Run(ctx context.Context, ws *Workspace, code, testCode string) types.SandboxResult
}

// LanguageRunnerFunc adapts a function to LanguageRunner
type LanguageRunnerFunc func(ctx context.Context, ws *Workspace, code, testCode string) types.SandboxResult

// Run calls f
func (f LanguageRunnerFunc) Run(ctx context.Context, ws *Workspace, code, testCode string) types.SandboxResult {
	return f(ctx, ws, code, testCode)
}

// ForbiddenScanner may be implemented by a LanguageRunner to reject code before
// any process is started
type ForbiddenScanner interface {
	ScanForbidden(code, testCode string) *Violation
}

// ErrBuiltinLanguage is returned when a runner would replace a built-in one
var ErrBuiltinLanguage = errors.New("language has a built-in runner")

// Registry maps languages to runners. Built-in runners are consulted first and
// cannot be replaced; registered runners only add languages.
type Registry struct {
	mu      sync.RWMutex
	runners map[types.Language]LanguageRunner
	builtin map[types.Language]bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[types.Language]LanguageRunner),
		builtin: make(map[types.Language]bool),
	}
}

// Register adds or replaces the runner for a language without a built-in runner
func (r *Registry) Register(lang types.Language, runner LanguageRunner) error {
	if lang == types.LangUnknown {
		return fmt.Errorf("language cannot be empty")
	}
	if runner == nil {
		return fmt.Errorf("runner for %s cannot be nil", lang)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.builtin[lang] {
		return fmt.Errorf("%w: %s", ErrBuiltinLanguage, lang)
	}
	r.runners[lang] = runner
	return nil
}

// Lookup returns the runner for a language
func (r *Registry) Lookup(lang types.Language) (LanguageRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[lang]
	return runner, ok
}

// Languages returns the registered languages in sorted order
func (r *Registry) Languages() []types.Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]types.Language, 0, len(r.runners))
	for lang := range r.runners {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}

func registerBuiltins(r *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for lang, runner := range map[types.Language]LanguageRunner{
		types.LangPython:     pythonRunner{},
		types.LangJavaScript: javascriptRunner{},
		types.LangTypeScript: typescriptRunner{},
		types.LangGo:         goRunner{},
		types.LangRust:       rustRunner{},
	} {
		r.runners[lang] = runner
		r.builtin[lang] = true
	}
}
