package sandbox

import (
	"os/exec"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/mend/internal/types"
)

func TestToolchainCacheMemoizes(t *testing.T) {
	calls := map[string]int{}
	c := newToolchainCache(func(name string) (string, error) {
		calls[name]++
		if name == "python3" {
			return "/usr/bin/python3", nil
		}
		return "", exec.ErrNotFound
	})

	path, ok := c.Lookup("python3", "python")
	assert.True(t, ok)
	assert.Equal(t, "/usr/bin/python3", path)

	_, ok = c.Lookup("node", "nodejs")
	assert.False(t, ok)
	_, ok = c.Lookup("node", "nodejs")
	assert.False(t, ok)
	c.Lookup("python3")

	assert.Equal(t, map[string]int{"python3": 1, "node": 1, "nodejs": 1}, calls)
	assert.Equal(t, map[string]string{"python3": "/usr/bin/python3", "node": "", "nodejs": ""}, c.Known())

	c.Reset()
	assert.Empty(t, c.Known())
	assert.True(t, c.Available("python3"))
	assert.Equal(t, 2, calls["python3"])
}

func TestToolNamesSorted(t *testing.T) {
	names := ToolNames()
	assert.True(t, sort.StringsAreSorted(names))
	assert.Contains(t, names, "node")
	assert.Contains(t, names, "cargo")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(types.LangJavaScript)
	assert.False(t, ok)

	require.NoError(t, r.Register(types.LangJavaScript, javascriptRunner{}))
	require.NoError(t, r.Register("zig", LanguageRunnerFunc(nil)))
	require.Error(t, r.Register("", javascriptRunner{}))
	require.Error(t, r.Register("nil", nil))
	got, ok := r.Lookup(types.LangJavaScript)
	assert.True(t, ok)
	assert.IsType(t, javascriptRunner{}, got)
	assert.Len(t, r.Languages(), 2)
}
