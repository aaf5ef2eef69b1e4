package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveyegge/mend/internal/types"
)

// maxCaptureBytes bounds how much of each stream is held in memory
const maxCaptureBytes = 1 << 20

// workspaceTmp is hidden from go ./... patterns
const workspaceTmp = ".tmp"

// Workspace is the per-execution sandbox directory handed to a LanguageRunner
type Workspace struct {
	// Dir is the isolated working directory and HOME. TMPDIR is TempDir(),
	// a subdirectory, because the go command ignores a go.mod placed in the
	// temp root itself.
	Dir string

	// CacheDir is shared between executions for build caches
	CacheDir string

	Timeout     time.Duration
	MaxMemoryMB int

	toolchains *ToolchainCache
	logger     *zap.Logger
}

func (r *Runner) newWorkspace(lang types.Language, opts Options) (*Workspace, error) {
	if err := os.MkdirAll(r.tempRoot, 0755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(r.tempRoot, fmt.Sprintf("mend-sandbox-%s-%s-", lang, uuid.NewString()[:8]))
	if err != nil {
		return nil, err
	}
	// Resolve symlinks (macOS /var -> /private/var) so tools agree on the path
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	if err := os.Mkdir(filepath.Join(dir, workspaceTmp), 0755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	ws := &Workspace{
		Dir:         dir,
		CacheDir:    r.cacheDir,
		Timeout:     r.timeout,
		MaxMemoryMB: r.maxMemoryMB,
		toolchains:  r.toolchains,
		logger:      r.logger,
	}
	if opts.Timeout > 0 {
		ws.Timeout = opts.Timeout
	}
	if opts.MaxMemoryMB > 0 {
		ws.MaxMemoryMB = opts.MaxMemoryMB
	}
	return ws, nil
}

func (ws *Workspace) cleanup() {
	if err := os.RemoveAll(ws.Dir); err != nil {
		ws.logger.Warn("failed to remove sandbox directory", zap.String("dir", ws.Dir), zap.Error(err))
	}
}

// Lookup returns the first available tool from names
func (ws *Workspace) Lookup(names ...string) (string, bool) {
	return ws.toolchains.Lookup(names...)
}

// TempDir is the scratch directory sandboxed processes see as TMPDIR
func (ws *Workspace) TempDir() string {
	return filepath.Join(ws.Dir, workspaceTmp)
}

// Path joins name onto the workspace directory
func (ws *Workspace) Path(name string) string {
	return filepath.Join(ws.Dir, name)
}

// WriteFile writes a file relative to the workspace directory, creating parents
func (ws *Workspace) WriteFile(name, content string) error {
	path := ws.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Env returns the minimal environment every sandboxed process starts from.
// Nothing from the host leaks in except PATH.
func (ws *Workspace) Env() []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + ws.Dir,
		"TMPDIR=" + ws.TempDir(),
		"TMP=" + ws.TempDir(),
		"TEMP=" + ws.TempDir(),
		"LANG=C.UTF-8",
		"NO_COLOR=1",
	}
}

// ProcessResult is the raw outcome of one subprocess
type ProcessResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Timeout  time.Duration
	Err      error
}

// Combined returns stdout followed by stderr
func (p ProcessResult) Combined() string {
	switch {
	case p.Stdout == "":
		return p.Stderr
	case p.Stderr == "":
		return p.Stdout
	}
	return strings.TrimRight(p.Stdout, "\n") + "\n" + p.Stderr
}

// Exec runs a command inside the workspace in its own process group.
// scale multiplies the workspace timeout for slow toolchains.
func (ws *Workspace) Exec(ctx context.Context, scale int, name string, args []string, extraEnv ...string) ProcessResult {
	if scale < 1 {
		scale = 1
	}
	return RunProcess(ctx, Process{
		Name:    name,
		Args:    args,
		Dir:     ws.Dir,
		Env:     append(ws.Env(), extraEnv...),
		Timeout: ws.Timeout * time.Duration(scale),
	})
}

// Process describes one subprocess run by RunProcess
type Process struct {
	Name string
	Args []string
	Dir  string

	// Env replaces the environment entirely; nil inherits the host's
	Env []string

	Timeout time.Duration

	// CaptureLimit bounds each stream in bytes (default 1MiB)
	CaptureLimit int
}

// RunProcess runs p in its own process group and waits for it. A timeout
// kills the whole group. It never returns an error: failures to start are
// reported in ProcessResult.Err.
func RunProcess(ctx context.Context, p Process) ProcessResult {
	limit := p.CaptureLimit
	if limit <= 0 {
		limit = maxCaptureBytes
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Name, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	cmd.Stdin = nil
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	res := ProcessResult{Stdout: stdout.String(), Stderr: stderr.String(), Timeout: p.Timeout}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
	}
	return res
}

// classify turns a process outcome into a sandbox result using the exit code
func classify(p ProcessResult, runtime string) types.SandboxResult {
	res := types.SandboxResult{Runtime: runtime, Output: p.Combined()}
	switch {
	case p.TimedOut:
		res.Passed = types.Bool(false)
		res.TimedOut = true
		res.Output = strings.TrimSpace(res.Output + fmt.Sprintf("\ntimed out after %s", p.Timeout))
	case p.Err != nil:
		res.Passed = types.Bool(false)
		res.Output = strings.TrimSpace(res.Output + fmt.Sprintf("\nfailed to run %s: %v", runtime, p.Err))
	default:
		res.Passed = types.Bool(p.ExitCode == 0)
	}
	return res
}

// cappedBuffer keeps the first limit bytes written and silently drops the rest
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "\n... (truncated)"
	}
	return string(b.buf)
}
