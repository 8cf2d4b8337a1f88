package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spigell/qcs-matcher/internal/logger"
	"github.com/spigell/qcs-matcher/internal/metrics"
	"github.com/spigell/qcs-matcher/internal/utils"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries   = 3
	defaultBaseBackoff  = 500 * time.Millisecond
	defaultEmptyBackoff = 250 * time.Millisecond
	defaultMaxTokens    = 512
	defaultMaxLogLength = 200
)

// DefaultCompletionTokenPrefixes name model families that reject temperature
// and expect max_completion_tokens.
var DefaultCompletionTokenPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

var wait = utils.WaitFor

// Options tunes the Client.
type Options struct {
	// Models is the default fallback order, tried after any preferred model.
	Models       []string
	MaxRetries   int
	BaseBackoff  time.Duration
	EmptyBackoff time.Duration
	MaxTokens    int
	Temperature  float64
	// CompletionTokenPrefixes selects models that get max_completion_tokens
	// and no temperature.
	CompletionTokenPrefixes []string
	MaxLogLength            int
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	if o.EmptyBackoff <= 0 {
		o.EmptyBackoff = defaultEmptyBackoff
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	if o.CompletionTokenPrefixes == nil {
		o.CompletionTokenPrefixes = DefaultCompletionTokenPrefixes
	}
	if o.MaxLogLength <= 0 {
		o.MaxLogLength = defaultMaxLogLength
	}
	return o
}

// Result is a successful completion.
type Result struct {
	Model    string
	Content  string
	Data     map[string]any
	Salvaged bool
	// Attempts counts every call made, across models.
	Attempts int
	// Retries counts retryable failures per model.
	Retries map[string]int
}

// Client sends chat completions through a Transport, falling back across
// models and retrying transient failures.
type Client struct {
	transport Transport
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Manager
}

// NewClient creates a Client. The metrics manager may be nil.
func NewClient(transport Transport, opts Options, log *zap.Logger, m *metrics.Manager) (*Client, error) {
	if transport == nil {
		return nil, errors.New("ai transport is required")
	}
	return &Client{
		transport: transport,
		opts:      opts.withDefaults(),
		logger:    logger.WithFields(log, logger.CommonFields(transport.Name(), "")...),
		metrics:   m,
	}, nil
}

// Provider returns the transport name.
func (c *Client) Provider() string {
	return c.transport.Name()
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeSwitchModel
	outcomeFatal
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRetry:
		return "retry"
	case outcomeSwitchModel:
		return "switch_model"
	default:
		return "fatal"
	}
}

type attemptResult struct {
	outcome  outcome
	backoff  time.Duration
	data     map[string]any
	content  string
	salvaged bool
	failure  Failure
}

// Complete runs the fallback state machine: models in order (preferred first),
// each tried up to MaxRetries times. Retryable failures wait
// BaseBackoff*2^attempt (EmptyBackoff for empty content) before the next try;
// other 4xx statuses move to the next model at once. A cancelled context stops
// everything and returns the context error.
func (c *Client) Complete(ctx context.Context, messages []Message, preferredModel string) (*Result, error) {
	models := c.models(preferredModel)
	if len(models) == 0 {
		return nil, ErrNoModels
	}

	retries := make(map[string]int, len(models))
	attempts := 0
	var last Failure

	for _, model := range models {
		log := c.logger.With(zap.String(logger.FieldModel, model))
		retries[model] = 0

	attemptLoop:
		for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
			attempts++
			res := c.attempt(ctx, model, attempt, messages)
			c.metrics.RecordAIAttempt(model, res.outcome.String())

			switch res.outcome {
			case outcomeSuccess:
				log.Debug("ai completion succeeded",
					zap.Int("attempt", attempt+1),
					zap.Bool("salvaged", res.salvaged),
				)
				return &Result{
					Model:    model,
					Content:  res.content,
					Data:     res.data,
					Salvaged: res.salvaged,
					Attempts: attempts,
					Retries:  retries,
				}, nil

			case outcomeFatal:
				return nil, res.failure.Err

			case outcomeSwitchModel:
				last = res.failure
				log.Warn("ai model rejected request, switching model",
					zap.Int("status", res.failure.Status),
					zap.String("body", utils.TruncateForLog(res.failure.Body, c.opts.MaxLogLength)),
				)
				break attemptLoop

			case outcomeRetry:
				last = res.failure
				retries[model]++
				if attempt+1 >= c.opts.MaxRetries {
					log.Warn("ai retries exhausted for model", zap.String("last_failure", last.String()))
					break attemptLoop
				}
				log.Warn("ai attempt failed, retrying",
					zap.Int("attempt", attempt+1),
					zap.Duration("backoff", res.backoff),
					zap.String("failure", utils.TruncateForLog(last.String(), c.opts.MaxLogLength)),
				)
				if err := wait(ctx, res.backoff); err != nil {
					return nil, err
				}
			}
		}
	}

	return nil, &ExhaustedError{Models: models, Attempts: attempts, Last: last}
}

func (c *Client) attempt(ctx context.Context, model string, attempt int, messages []Message) attemptResult {
	req := c.buildRequest(model, messages)
	backoff := c.opts.BaseBackoff << attempt

	c.logger.Debug("ai completion request",
		zap.String(logger.FieldModel, model),
		zap.Int("attempt", attempt+1),
		zap.String("token_field", req.TokenField),
		zap.Bool("temperature", req.Temperature != nil),
	)

	resp, err := c.transport.Complete(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attemptResult{outcome: outcomeFatal, failure: Failure{Model: model, Err: ctxErr}}
		}
		return attemptResult{outcome: outcomeRetry, backoff: backoff, failure: Failure{Model: model, Err: err}}
	}
	if resp == nil {
		return attemptResult{outcome: outcomeRetry, backoff: backoff, failure: Failure{Model: model, Err: errors.New("nil response")}}
	}

	switch {
	case resp.Status == http.StatusTooManyRequests || resp.Status >= http.StatusInternalServerError:
		return attemptResult{outcome: outcomeRetry, backoff: backoff, failure: httpFailure(model, resp)}
	case resp.Status >= http.StatusBadRequest:
		return attemptResult{outcome: outcomeSwitchModel, failure: httpFailure(model, resp)}
	case resp.Status != 0 && (resp.Status < 200 || resp.Status >= 300):
		return attemptResult{outcome: outcomeRetry, backoff: backoff, failure: httpFailure(model, resp)}
	}

	content := strings.TrimSpace(resp.Content)
	c.logger.Debug("ai completion response",
		zap.String(logger.FieldModel, model),
		zap.Int("response_length", utf8.RuneCountInString(content)),
		zap.String("response_preview", utils.TruncateForLog(content, c.opts.MaxLogLength)),
	)

	if content == "" {
		return attemptResult{
			outcome: outcomeRetry,
			backoff: c.opts.EmptyBackoff,
			failure: Failure{Model: model, Status: resp.Status, Err: ErrEmptyContent},
		}
	}

	data, salvaged, err := ParseContent(content)
	if err != nil {
		return attemptResult{
			outcome: outcomeRetry,
			backoff: backoff,
			failure: Failure{Model: model, Status: resp.Status, Body: content, Err: err},
		}
	}

	return attemptResult{outcome: outcomeSuccess, data: data, content: content, salvaged: salvaged}
}

func (c *Client) buildRequest(model string, messages []Message) Request {
	req := Request{
		Model:     model,
		Messages:  messages,
		MaxTokens: c.opts.MaxTokens,
	}
	if c.usesCompletionTokens(model) {
		req.TokenField = TokenFieldMaxCompletionTokens
		return req
	}
	temperature := c.opts.Temperature
	req.TokenField = TokenFieldMaxTokens
	req.Temperature = &temperature
	return req
}

// usesCompletionTokens matches the model name, minus any "vendor/" prefix,
// against the configured family prefixes.
func (c *Client) usesCompletionTokens(model string) bool {
	name := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.LastIndex(name, "/"); idx != -1 {
		name = name[idx+1:]
	}
	for _, prefix := range c.opts.CompletionTokenPrefixes {
		prefix = strings.ToLower(strings.TrimSpace(prefix))
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) models(preferred string) []string {
	seen := make(map[string]struct{}, len(c.opts.Models)+1)
	out := make([]string, 0, len(c.opts.Models)+1)
	for _, m := range append([]string{preferred}, c.opts.Models...) {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func httpFailure(model string, resp *Response) Failure {
	f := Failure{
		Model:  model,
		Status: resp.Status,
		Body:   resp.Body,
		Err:    fmt.Errorf("unexpected status %d", resp.Status),
	}
	var parsed any
	if err := json.Unmarshal([]byte(resp.Body), &parsed); err == nil {
		f.Parsed = parsed
	}
	return f
}
