package healer

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/steveyegge/mend/internal/types"
)

// DefaultModel is used when no model is configured
const DefaultModel = "claude-sonnet-4-5-20250929"

const (
	defaultMaxTokens     = 8192
	defaultMaxConcurrent = 3
	maxPromptCodeBytes   = 64 * 1024
)

// ClaudeConfig holds Claude strategy configuration
type ClaudeConfig struct {
	APIKey            string // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	BaseURL           string // Optional API endpoint override
	Model             string // Model to use (default: DefaultModel)
	MaxTokens         int64
	RequestsPerMinute int // Request pacing (default: 20)
	MaxConcurrent     int // Files healed at once (default: 3)
	Retry             RetryConfig
	Logger            *zap.Logger
}

// ClaudeStrategy asks Claude to rewrite each low-coherence file
type ClaudeStrategy struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
	parallel  int
	retry     *retrier
	logger    *zap.Logger
}

// NewClaudeStrategy creates a Claude-backed healing strategy
func NewClaudeStrategy(cfg *ClaudeConfig) (*ClaudeStrategy, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("healer.claude")

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 20
	}
	parallel := cfg.MaxConcurrent
	if parallel <= 0 {
		parallel = defaultMaxConcurrent
	}

	// Retries are ours; the SDK's own retry loop would multiply them
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &ClaudeStrategy{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		parallel:  parallel,
		retry:     newRetrier(cfg.Retry, logger),
		logger:    logger,
	}, nil
}

// Name implements Strategy
func (s *ClaudeStrategy) Name() string { return "claude" }

// Heal implements Strategy. Files whose request fails are skipped and
// logged; an open circuit breaker stops the remaining requests.
func (s *ClaudeStrategy) Heal(ctx context.Context, req Request) ([]types.HealingCandidate, error) {
	if req.Snapshot == nil {
		return nil, fmt.Errorf("snapshot is required")
	}

	var (
		mu  sync.Mutex
		out []types.HealingCandidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)

	for _, path := range req.Paths {
		file, ok := req.Snapshot.File(path)
		if !ok || file.Code == "" {
			s.logger.Debug("no source for path", zap.String("path", path))
			continue
		}
		if len(file.Code) > maxPromptCodeBytes {
			s.logger.Info("skipping oversized file", zap.String("path", path), zap.Int("bytes", len(file.Code)))
			continue
		}

		g.Go(func() error {
			code, err := s.healFile(gctx, file, req.Target)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("healing request failed", zap.String("path", file.Path), zap.Error(err))
				return nil
			}
			mu.Lock()
			out = append(out, types.HealingCandidate{Path: file.Path, HealedCode: code})
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, err
}

func (s *ClaudeStrategy) healFile(ctx context.Context, file types.FileScore, target float64) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	prompt := buildHealPrompt(file, target)
	var response *anthropic.Message
	err := s.retry.do(ctx, "heal "+file.Path, func(attemptCtx context.Context) error {
		resp, apiErr := s.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(s.model),
			MaxTokens: s.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	code, ok := ExtractCode(text.String())
	if !ok {
		return "", fmt.Errorf("response for %s contained no code", file.Path)
	}

	s.logger.Debug("healed file",
		zap.String("path", file.Path),
		zap.Int64("input_tokens", response.Usage.InputTokens),
		zap.Int64("output_tokens", response.Usage.OutputTokens))
	return code, nil
}

func buildHealPrompt(file types.FileScore, target float64) string {
	b := file.Score.Breakdown
	return fmt.Sprintf(`You are maintaining a %s source file whose coherence score is %.3f (target %.3f).

Dimension scores (0-1, higher is better):
- syntax validity: %.2f
- completeness: %.2f
- consistency and security: %.2f
- test proof: %.2f
- historical reliability: %.2f

Rewrite the file to raise its coherence. Keep its public API and behavior unchanged, finish
incomplete code, fix syntax errors, and remove insecure constructs. Do not add new dependencies.

Reply with the complete file in a single fenced code block and nothing else.

File: %s
`+"```"+`%s
%s
`+"```"+`
`, file.Language, file.Coherence(), target,
		b.SyntaxValidity, b.Completeness, b.Consistency, b.TestProof, b.HistoricalReliability,
		file.Path, file.Language, file.Code)
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+.-]*[ \t]*\r?\n(.*?)\r?\n?```")

// ExtractCode returns the longest fenced code block in a model response,
// or the trimmed response when it contains no fence
func ExtractCode(response string) (string, bool) {
	matches := fencePattern.FindAllStringSubmatch(response, -1)
	best := ""
	for _, m := range matches {
		if len(m[1]) > len(best) {
			best = m[1]
		}
	}
	if best == "" && len(matches) == 0 {
		best = strings.TrimSpace(response)
	}
	if strings.TrimSpace(best) == "" {
		return "", false
	}
	if !strings.HasSuffix(best, "\n") {
		best += "\n"
	}
	return best, true
}
