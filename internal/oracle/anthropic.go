package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/types"
)

// DefaultModel is used when the configuration names no model.
const DefaultModel = "claude-sonnet-4-5"

// Oracle consults the Anthropic API for incident diagnoses.
type Oracle struct {
	client         *anthropic.Client
	model          string
	maxTokens      int
	maxLogLines    int
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted
	limiter        *rate.Limiter
}

// NewOracle creates an oracle from configuration. The API key comes from
// the ANTHROPIC_API_KEY environment variable, never from the config file.
func NewOracle(cfg config.OracleConfig) (*Oracle, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	maxLogLines := cfg.MaxLogLines
	if maxLogLines <= 0 {
		maxLogLines = promptMaxLogLines
	}

	retry := retryConfigFor(cfg)

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	var circuitBreaker *CircuitBreaker
	if retry.CircuitBreakerEnabled {
		circuitBreaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}

	var concurrencySem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	var limiter *rate.Limiter
	if retry.MinCallInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(retry.MinCallInterval), 1)
	}

	slog.Debug("oracle initialized",
		"model", model,
		"timeout", retry.Timeout,
		"max_retries", retry.MaxRetries)

	return &Oracle{
		client:         &client,
		model:          model,
		maxTokens:      maxTokens,
		maxLogLines:    maxLogLines,
		retry:          retry,
		circuitBreaker: circuitBreaker,
		concurrencySem: concurrencySem,
		limiter:        limiter,
	}, nil
}

// retryConfigFor maps oracle configuration onto the retry defaults. The
// retry count is clamped to one: the repair path waits on this call.
func retryConfigFor(cfg config.OracleConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.Timeout > 0 {
		rc.Timeout = cfg.Timeout
	}
	rc.MaxRetries = cfg.MaxRetries
	if rc.MaxRetries < 0 {
		rc.MaxRetries = 0
	}
	if rc.MaxRetries > 1 {
		rc.MaxRetries = 1
	}
	return rc
}

// oracleResponse is the JSON shape the prompt asks the model to produce.
type oracleResponse struct {
	RootCause  string   `json:"root_cause"`
	Summary    string   `json:"summary"`
	Actions    []string `json:"actions"`
	Confidence float64  `json:"confidence"`
}

// Diagnose sends the incident evidence to the API and converts the reply
// into a whitelist-validated diagnosis.
func (o *Oracle) Diagnose(ctx context.Context, in *IncidentContext) (*types.Diagnosis, error) {
	if in == nil {
		return nil, fmt.Errorf("incident context cannot be nil")
	}

	startTime := time.Now()
	prompt := buildDiagnosisPrompt(in, o.maxLogLines)

	var response *anthropic.Message
	err := o.retryWithBackoff(ctx, "diagnosis", func(attemptCtx context.Context) error {
		resp, apiErr := o.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(o.model),
			MaxTokens: int64(o.maxTokens),
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
		return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}

	var responseText string
	for _, block := range response.Content {
		if block.Type == "text" {
			responseText += block.Text
		}
	}

	parsed := Parse[oracleResponse](responseText, ParseOptions{
		Context:   "diagnosis response",
		LogErrors: true,
	})
	if !parsed.Success {
		return nil, fmt.Errorf("%w: unparseable diagnosis: %s (response: %s)",
			ErrOracleUnavailable, parsed.Error, truncate(responseText, 200))
	}

	diag := convertResponse(parsed.Data)

	slog.Info("oracle diagnosis complete",
		"summary", truncate(diag.Summary, 120),
		"actions", diag.Actions,
		"confidence", diag.Confidence,
		"duration", time.Since(startTime))
	if len(diag.RejectedActions) > 0 {
		slog.Warn("oracle suggested non-whitelisted actions", "rejected", diag.RejectedActions)
	}

	return diag, nil
}

// convertResponse validates model output against the whitelist. Anything
// unrecognized lands in RejectedActions instead of the execution plan, and
// an empty plan collapses to noop.
func convertResponse(resp oracleResponse) *types.Diagnosis {
	var actions []types.RepairAction
	var rejected []string
	seen := make(map[types.RepairAction]bool)

	for _, raw := range resp.Actions {
		action, ok := types.ParseRepairAction(raw)
		if !ok {
			rejected = append(rejected, raw)
			continue
		}
		if seen[action] {
			continue
		}
		seen[action] = true
		actions = append(actions, action)
	}
	if len(actions) == 0 {
		actions = []types.RepairAction{types.ActionNoOp}
	}

	confidence := resp.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &types.Diagnosis{
		Source:          types.DiagnosisOracle,
		RootCause:       strings.TrimSpace(resp.RootCause),
		Summary:         strings.TrimSpace(resp.Summary),
		Actions:         actions,
		RejectedActions: rejected,
		Confidence:      confidence,
		CreatedAt:       time.Now().UTC(),
	}
}
