package sandbox

import (
	"os/exec"
	"sort"
	"sync"
)

// ToolchainCache memoizes which runtimes are installed. Owned by a Runner, not global.
type ToolchainCache struct {
	mu       sync.Mutex
	lookPath func(string) (string, error)
	found    map[string]string
	missing  map[string]bool
}

// NewToolchainCache creates an empty cache backed by exec.LookPath
func NewToolchainCache() *ToolchainCache {
	return newToolchainCache(exec.LookPath)
}

func newToolchainCache(lookPath func(string) (string, error)) *ToolchainCache {
	return &ToolchainCache{
		lookPath: lookPath,
		found:    make(map[string]string),
		missing:  make(map[string]bool),
	}
}

// Lookup returns the resolved path of the first available tool in names
func (c *ToolchainCache) Lookup(names ...string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range names {
		if path, ok := c.found[name]; ok {
			return path, true
		}
		if c.missing[name] {
			continue
		}
		path, err := c.lookPath(name)
		if err != nil {
			c.missing[name] = true
			continue
		}
		c.found[name] = path
		return path, true
	}
	return "", false
}

// Available reports whether a single tool is installed
func (c *ToolchainCache) Available(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Reset forgets all cached lookups
func (c *ToolchainCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.found = make(map[string]string)
	c.missing = make(map[string]bool)
}

// Known returns the tools that have been probed with their resolved path, or
// "" when missing
func (c *ToolchainCache) Known() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.found)+len(c.missing))
	for name, path := range c.found {
		out[name] = path
	}
	for name := range c.missing {
		out[name] = ""
	}
	return out
}

// ToolNames lists every tool the built-in runners may probe
func ToolNames() []string {
	names := []string{"node", "nodejs", "tsx", "ts-node", "python3", "python", "go", "cargo", "rustc"}
	sort.Strings(names)
	return names
}
