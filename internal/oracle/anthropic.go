package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/jotworks/jot/internal/audit"
	"github.com/jotworks/jot/internal/telemetry"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

const (
	maxOutputTokens       = 4096
	defaultInitialBackoff = 1 * time.Second
	defaultMaxElapsed     = 30 * time.Second
)

const (
	opExtract  = "extract"
	opOrganize = "organize"
)

// Options configures the Anthropic-backed client.
type Options struct {
	APIKey     string        // ANTHROPIC_API_KEY env var takes precedence
	Model      string        // defaults to DefaultModel
	Prompts    *PromptPack   // defaults to the embedded pack
	Audit      *audit.Log    // nil disables audit logging
	MaxElapsed time.Duration // transport retry budget per model round
}

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	client         anthropic.Client
	model          anthropic.Model
	prompts        *promptRenderer
	audit          *audit.Log
	initialBackoff time.Duration
	maxElapsed     time.Duration

	// complete issues one model round. Swapped out in tests.
	complete func(ctx context.Context, op, prompt string) (completion, error)
}

// completion is one model round's output.
type completion struct {
	text      string
	latencyMS int64
}

// New creates an Anthropic-backed oracle client.
func New(opts Options) (*AnthropicClient, error) {
	apiKey := opts.APIKey
	if env := os.Getenv("ANTHROPIC_API_KEY"); env != "" {
		apiKey = env
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or configure oracle.api_key", ErrAPIKeyRequired)
	}

	model := opts.Model
	if model == "" {
		model = DefaultModel
	}

	pack := opts.Prompts
	if pack == nil {
		var err error
		pack, err = DefaultPrompts()
		if err != nil {
			return nil, err
		}
	}
	renderer, err := newPromptRenderer(pack)
	if err != nil {
		return nil, err
	}

	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}

	oracleMetricsOnce.Do(initOracleMetrics)

	c := &AnthropicClient{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		prompts:        renderer,
		audit:          opts.Audit,
		initialBackoff: defaultInitialBackoff,
		maxElapsed:     maxElapsed,
	}
	c.complete = c.callModel
	return c, nil
}

// Extract asks the model to pull work items out of one note.
func (c *AnthropicClient) Extract(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error) {
	prompt, err := c.prompts.renderExtract(req)
	if err != nil {
		return nil, err
	}

	var result *ExtractionResult
	err = c.completeJSON(ctx, opExtract, req.NoteID, prompt, func(data []byte) []string {
		var r ExtractionResult
		if err := json.Unmarshal(data, &r); err != nil {
			return []string{fmt.Sprintf("response is not valid JSON: %v", err)}
		}
		if v := r.Violations(len(req.Content)); len(v) > 0 {
			return v
		}
		result = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Organize asks the model to place a batch of entities into the workspace.
func (c *AnthropicClient) Organize(ctx context.Context, req *OrganizationRequest) (*OrganizationResult, error) {
	prompt, err := c.prompts.renderOrganize(req)
	if err != nil {
		return nil, err
	}

	var result *OrganizationResult
	err = c.completeJSON(ctx, opOrganize, req.NoteID, prompt, func(data []byte) []string {
		var r OrganizationResult
		if err := json.Unmarshal(data, &r); err != nil {
			return []string{fmt.Sprintf("response is not valid JSON: %v", err)}
		}
		if v := r.Violations(); len(v) > 0 {
			return v
		}
		result = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Strict-JSON call states. The protocol is a bounded machine, not a loop with
// a count: first attempt, at most one retry carrying the violations, failed.
type callState int

const (
	stateFirstAttempt callState = iota
	stateRetryWithIssues
	stateFailed
)

// completeJSON runs the strict-JSON protocol for one logical oracle call.
// decode must unmarshal into a fresh value and validate it, returning the
// violations; an empty return accepts the round.
func (c *AnthropicClient) completeJSON(ctx context.Context, op, noteID, prompt string, decode func([]byte) []string) error {
	opAttr := attribute.String("jot.oracle.operation", op)

	state := stateFirstAttempt
	current := prompt
	attempt := 0
	var raw string
	var violations []string

	for state != stateFailed {
		attempt++
		if oracleMetrics.calls != nil {
			oracleMetrics.calls.Add(ctx, 1, metric.WithAttributes(opAttr))
		}

		comp, callErr := c.complete(ctx, op, current)
		c.recordAudit(op, noteID, attempt, current, comp, callErr)
		if callErr != nil {
			return callErr
		}

		raw = extractJSON(comp.text)
		violations = decode([]byte(raw))
		if len(violations) == 0 {
			return nil
		}

		switch state {
		case stateFirstAttempt:
			retry, err := c.prompts.renderFeedback(prompt, comp.text, violations)
			if err != nil {
				return err
			}
			current = retry
			state = stateRetryWithIssues
			if oracleMetrics.retries != nil {
				oracleMetrics.retries.Add(ctx, 1, metric.WithAttributes(opAttr))
			}
		case stateRetryWithIssues:
			state = stateFailed
		}
	}

	if oracleMetrics.schemaViolations != nil {
		oracleMetrics.schemaViolations.Add(ctx, 1, metric.WithAttributes(opAttr))
	}
	return &SchemaViolation{Operation: op, Violations: violations, Raw: raw}
}

// callModel issues one model round, retrying transient transport failures
// with exponential backoff. Deterministic API errors stop immediately.
func (c *AnthropicClient) callModel(ctx context.Context, op, prompt string) (completion, error) {
	tracer := telemetry.Tracer("github.com/jotworks/jot/oracle")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("jot.oracle.model", string(c.model)),
		attribute.String("jot.oracle.operation", op),
	)

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	// BackOff implementations are stateful; always use a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxElapsedTime = c.maxElapsed

	var comp completion
	err := backoff.Retry(func() error {
		t0 := time.Now()
		message, err := c.client.Messages.New(ctx, params)
		ms := time.Since(t0).Milliseconds()

		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		modelAttr := attribute.String("jot.oracle.model", string(c.model))
		if oracleMetrics.inputTokens != nil {
			oracleMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
			oracleMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
			oracleMetrics.duration.Record(ctx, float64(ms), metric.WithAttributes(modelAttr))
		}
		span.SetAttributes(
			attribute.Int64("jot.oracle.input_tokens", message.Usage.InputTokens),
			attribute.Int64("jot.oracle.output_tokens", message.Usage.OutputTokens),
		)

		if len(message.Content) == 0 {
			return backoff.Permanent(fmt.Errorf("unexpected response format: no content blocks"))
		}
		block := message.Content[0]
		if block.Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected response format: not a text block (type=%s)", block.Type))
		}
		comp = completion{text: block.Text, latencyMS: ms}
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return completion{}, ctx.Err()
		}
		if isRetryable(err) {
			// Budget exhausted on a transient failure.
			return completion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return completion{}, err
	}
	return comp, nil
}

func (c *AnthropicClient) recordAudit(op, noteID string, attempt int, prompt string, comp completion, callErr error) {
	if c.audit == nil {
		return
	}
	e := &audit.Entry{
		Kind:      "llm_call",
		Model:     string(c.model),
		Operation: op,
		NoteID:    noteID,
		Attempt:   attempt,
		Prompt:    prompt,
		Response:  comp.text,
		LatencyMS: comp.latencyMS,
	}
	if callErr != nil {
		e.Error = callErr.Error()
	}
	_, _ = c.audit.Append(e) // best effort: audit must never fail the call
}

// extractJSON cuts the response down to the outermost JSON object, dropping
// any prose or code fences the model wrapped around it.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		statusCode := apiErr.StatusCode
		if statusCode == 429 || statusCode >= 500 {
			return true
		}
		return false
	}

	return false
}

// oracleMetrics holds lazily-initialized OTel instruments for oracle calls.
var oracleMetrics struct {
	calls            metric.Int64Counter
	retries          metric.Int64Counter
	schemaViolations metric.Int64Counter
	inputTokens      metric.Int64Counter
	outputTokens     metric.Int64Counter
	duration         metric.Float64Histogram
}

var oracleMetricsOnce sync.Once

func initOracleMetrics() {
	m := telemetry.Meter("github.com/jotworks/jot/oracle")
	oracleMetrics.calls, _ = m.Int64Counter("jot.oracle.calls",
		metric.WithDescription("Oracle model rounds issued"),
		metric.WithUnit("{call}"),
	)
	oracleMetrics.retries, _ = m.Int64Counter("jot.oracle.retries",
		metric.WithDescription("Validation feedback retries issued"),
		metric.WithUnit("{retry}"),
	)
	oracleMetrics.schemaViolations, _ = m.Int64Counter("jot.oracle.schema_violations",
		metric.WithDescription("Oracle calls failed after the feedback retry"),
		metric.WithUnit("{failure}"),
	)
	oracleMetrics.inputTokens, _ = m.Int64Counter("jot.oracle.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	oracleMetrics.outputTokens, _ = m.Int64Counter("jot.oracle.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	oracleMetrics.duration, _ = m.Float64Histogram("jot.oracle.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}
