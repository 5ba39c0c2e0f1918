// Package worker implements the Background Task Chain (spec.md §4.7): one
// pool per shared named queue, each consuming task envelopes from
// pkg/queue, gated by pkg/budget before any AI call, and feeding results
// back through pkg/orchestrator.Intake. Grounded on
// original_source/api-server/tasks/form_mapper_tasks.py's Celery task
// bodies and the ai_*_prompter.py services they call into.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quickform/orchestrator/pkg/budget"
	"github.com/quickform/orchestrator/pkg/config"
	"github.com/quickform/orchestrator/pkg/metrics"
	"github.com/quickform/orchestrator/pkg/tracing"
)

var base64Encoding = base64.StdEncoding

// Caller wraps the Anthropic client with the Budget Gate and the
// overload retry/backoff policy spec.md §7 calls TransientAIOverload
// (original: every ai_*_prompter.py instantiates its own
// anthropic.Anthropic(api_key=...) per call with a bare try/except —
// centralized here into one shared, budget-gated caller).
type Caller struct {
	gate    *budget.Gate
	cfg     config.AIConfig
	metrics *metrics.Metrics
}

// NewCaller builds a Caller. gate must not be nil; every call passes
// through it first. m may be nil, in which case calls go unrecorded.
func NewCaller(gate *budget.Gate, cfg config.AIConfig, m *metrics.Metrics) *Caller {
	return &Caller{gate: gate, cfg: cfg, metrics: m}
}

// Request is one AI call: a text prompt plus optional screenshot
// attachments, mirroring the `message_content` list the prompters build
// (text block + base64 image blocks).
type Request struct {
	Prompt      string
	Screenshots [][]byte // raw PNG bytes, base64-encoded internally
}

// ErrBudgetExceeded is returned when the Budget Gate denies the call;
// callers translate this into a session-terminal BudgetExceeded cause
// rather than retrying.
var ErrBudgetExceeded = errors.New("worker: budget exceeded")

// Call runs one gated, retried AI call and returns the response text.
func (c *Caller) Call(ctx context.Context, tenantID, productID string, req Request) (string, error) {
	ctx, span := tracing.Tracer("orchestrator.ai").Start(ctx, "ai.call",
		trace.WithAttributes(
			attribute.String("ai.tenant_id", tenantID),
			attribute.String("ai.product_id", productID),
			attribute.Int("ai.screenshot_count", len(req.Screenshots)),
		),
	)
	defer span.End()

	decision, err := c.gate.Check(ctx, tenantID, productID)
	if err != nil {
		var denied *budget.AccessDeniedError
		var exceeded *budget.BudgetExceededError
		if errors.As(err, &denied) || errors.As(err, &exceeded) {
			if c.metrics != nil {
				c.metrics.RecordBudgetDenial(tenantID)
			}
			span.SetStatus(codes.Error, "budget denied")
			return "", fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
		}
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("worker: budget check: %w", err)
	}

	callStart := time.Now()

	client := anthropic.NewClient(option.WithAPIKey(decision.APIKey))

	content := make([]anthropic.ContentBlockParamUnion, 0, len(req.Screenshots)+1)
	for _, shot := range req.Screenshots {
		content = append(content, anthropic.NewImageBlockBase64("image/png", encodeBase64(shot)))
	}
	content = append(content, anthropic.NewTextBlock(req.Prompt))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: c.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(content...),
		},
	}

	baseWait, err := time.ParseDuration(c.cfg.RetryBaseWait)
	if err != nil {
		baseWait = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffWithJitter(baseWait, attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				c.releaseReservation(ctx, tenantID, productID)
				span.SetStatus(codes.Error, "context cancelled")
				return "", ctx.Err()
			}
		}

		message, callErr := client.Messages.New(ctx, params)
		if callErr == nil {
			text := responseText(message)
			usage := message.Usage
			// Always settle, even on a zero-usage response: Check reserved
			// the forecast cost and RecordUsage is what trues it up.
			_ = c.gate.RecordUsage(ctx, tenantID, productID, usage.InputTokens, usage.OutputTokens)
			if usage.InputTokens > 0 || usage.OutputTokens > 0 {
				span.SetAttributes(
					attribute.Int64("ai.input_tokens", usage.InputTokens),
					attribute.Int64("ai.output_tokens", usage.OutputTokens),
				)
			}
			if c.metrics != nil {
				c.metrics.RecordAICall(productID, "ok", time.Since(callStart))
			}
			return text, nil
		}

		lastErr = callErr
		if !isOverloaded(callErr) {
			c.releaseReservation(ctx, tenantID, productID)
			if c.metrics != nil {
				c.metrics.RecordAICall(productID, "error", time.Since(callStart))
			}
			span.SetStatus(codes.Error, callErr.Error())
			return "", fmt.Errorf("worker: AI call failed: %w", callErr)
		}
	}

	c.releaseReservation(ctx, tenantID, productID)
	if c.metrics != nil {
		c.metrics.RecordAICall(productID, "overloaded", time.Since(callStart))
	}
	span.SetStatus(codes.Error, "exhausted retries after overload")
	return "", fmt.Errorf("worker: AI call exhausted retries after overload: %w", lastErr)
}

// releaseReservation refunds the Budget Gate's forecast reservation when
// a call produced no usage. Runs on a cancellation-stripped context so a
// cancelled task still returns its reservation. A failed refund is
// tolerated: the leaked forecast counts against the tenant only until
// the daily key rolls over, and never violates the budget ceiling.
func (c *Caller) releaseReservation(ctx context.Context, tenantID, productID string) {
	_ = c.gate.Release(context.WithoutCancel(ctx), tenantID, productID)
}

// isOverloaded reports whether err is the transient 529 "overloaded_error"
// the Anthropic API returns under load (spec.md §7 "TransientAIOverload").
func isOverloaded(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 529
	}
	return false
}

// backoffWithJitter returns attempt-th exponential backoff with full
// jitter (spec.md §7: "retried with exponential backoff + jitter").
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	maxWait := base << uint(attempt-1)
	return time.Duration(rand.Int63n(int64(maxWait) + 1))
}

func responseText(message *anthropic.Message) string {
	for _, block := range message.Content {
		if text := block.Text; text != "" {
			return text
		}
	}
	return ""
}

func encodeBase64(data []byte) string {
	return base64Encoding.EncodeToString(data)
}
