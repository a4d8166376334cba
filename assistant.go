package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	providerGroq      = "groq"
	providerAnthropic = "anthropic"

	structuredTemperature = 0.2
	textTemperature       = 0.3

	structuredTimeout = 45 * time.Second
	textTimeout       = 30 * time.Second

	defaultMaxTokens = 1500

	// fallbackKey holds the raw model text when no JSON object was found.
	fallbackKey = "raw"
)

// Tier selects the model used for a request.
type Tier int

const (
	// TierDefault is the larger model used for whole-PR and issue analysis.
	TierDefault Tier = iota
	// TierFast is the small model used for per-file and per-command work.
	TierFast
)

func (t Tier) String() string {
	if t == TierFast {
		return "fast"
	}
	return "default"
}

// AssistantError is a transport or HTTP failure talking to the model backend.
// Unparseable model output is never an AssistantError.
type AssistantError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *AssistantError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("assistant %s: HTTP %d: %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("assistant %s: %v", e.Backend, e.Err)
}

func (e *AssistantError) Unwrap() error { return e.Err }

type completionRequest struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature float64
}

// completer is a single chat-completion backend.
type completer interface {
	Name() string
	Complete(ctx context.Context, req completionRequest) (string, error)
}

// AssistantClient sends prompts to the configured backend.
type AssistantClient struct {
	backend   completer
	model     string
	fastModel string
	limiter   *rate.Limiter
}

// NewAssistantClient builds a client for the provider named in cfg.
func NewAssistantClient(cfg AssistantConfig) (*AssistantClient, error) {
	var (
		backend          completer
		model, fastModel string
	)
	switch cfg.Provider {
	case providerGroq, "":
		backend = newOpenAICompleter(providerGroq, cfg.GroqAPIKey, cfg.BaseURL)
		model, fastModel = defaultGroqModel, defaultGroqFastModel
	case providerAnthropic:
		backend = newAnthropicCompleter(cfg.AnthropicAPIKey, cfg.BaseURL)
		model, fastModel = defaultAnthropicModel, defaultAnthropicFastModel
	default:
		return nil, fmt.Errorf("unknown assistant provider %q", cfg.Provider)
	}
	if cfg.Model != "" {
		model = cfg.Model
	}
	if cfg.FastModel != "" {
		fastModel = cfg.FastModel
	}
	return newAssistantClient(backend, model, fastModel, cfg.RequestsPerMinute), nil
}

func newAssistantClient(backend completer, model, fastModel string, requestsPerMinute float64) *AssistantClient {
	a := &AssistantClient{backend: backend, model: model, fastModel: fastModel}
	if requestsPerMinute > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(requestsPerMinute/60), 1)
	}
	return a
}

func (a *AssistantClient) modelFor(tier Tier) string {
	if tier == TierFast {
		return a.fastModel
	}
	return a.model
}

// AskStructured asks for a JSON answer and returns the first JSON object
// found in the reply, or a fallback result carrying the raw text.
func (a *AssistantClient) AskStructured(ctx context.Context, system, user string, maxTokens int, tier Tier) (StructuredResult, error) {
	ctx, cancel := context.WithTimeout(ctx, structuredTimeout)
	defer cancel()

	text, err := a.complete(ctx, tier, completionRequest{
		System:      system,
		User:        user,
		Model:       a.modelFor(tier),
		MaxTokens:   maxTokensOrDefault(maxTokens),
		Temperature: structuredTemperature,
	})
	if err != nil {
		return StructuredResult{}, err
	}
	result := ParseStructured(text)
	if result.IsFallback() {
		clog.FromContext(ctx).With("tier", tier.String()).Warnf("assistant reply contained no JSON object: %s", truncate(result.Raw(), 200))
	}
	return result, nil
}

// AskText asks the fast model for a free-text answer.
func (a *AssistantClient) AskText(ctx context.Context, system, user string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, textTimeout)
	defer cancel()

	return a.complete(ctx, TierFast, completionRequest{
		System:      system,
		User:        user,
		Model:       a.fastModel,
		MaxTokens:   maxTokensOrDefault(maxTokens),
		Temperature: textTemperature,
	})
}

func (a *AssistantClient) complete(ctx context.Context, tier Tier, req completionRequest) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			assistantRequestsTotal.WithLabelValues(tier.String(), "throttled").Inc()
			return "", &AssistantError{Backend: a.backend.Name(), Err: fmt.Errorf("waiting for rate limiter: %w", err)}
		}
	}
	text, err := a.backend.Complete(ctx, req)
	if err != nil {
		assistantRequestsTotal.WithLabelValues(tier.String(), "error").Inc()
		return "", err
	}
	assistantRequestsTotal.WithLabelValues(tier.String(), "ok").Inc()
	return strings.TrimSpace(text), nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}

// StructuredResult is a model-produced JSON object read field by field.
// Every accessor tolerates missing or mistyped fields.
type StructuredResult struct {
	raw      string
	fallback bool
}

// ParseStructured extracts the first JSON object embedded in text. Prose
// before and after the object is ignored. Text with no object yields a
// fallback result whose "raw" field holds the text.
func ParseStructured(text string) StructuredResult {
	if obj, ok := extractJSONObject(text); ok {
		return StructuredResult{raw: obj}
	}
	raw, _ := json.Marshal(map[string]string{fallbackKey: text})
	return StructuredResult{raw: string(raw), fallback: true}
}

func extractJSONObject(text string) (string, bool) {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		var candidate json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&candidate); err == nil {
			return string(candidate), true
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return "", false
}

// IsFallback reports whether no JSON object was found in the reply.
func (r StructuredResult) IsFallback() bool { return r.fallback }

// Raw returns the JSON text of the result.
func (r StructuredResult) Raw() string { return r.raw }

func (r StructuredResult) get(key string) gjson.Result {
	if r.raw == "" {
		return gjson.Result{}
	}
	return gjson.Get(r.raw, gjson.Escape(key))
}

// String returns the field as text, or def when it is missing, null or empty.
func (r StructuredResult) String(key, def string) string {
	v := r.get(key)
	if !v.Exists() || v.Type == gjson.Null || v.IsObject() || v.IsArray() {
		return def
	}
	if s := v.String(); s != "" {
		return s
	}
	return def
}

// Float returns a numeric field, accepting numeric strings, or def.
func (r StructuredResult) Float(key string, def float64) float64 {
	v := r.get(key)
	switch v.Type {
	case gjson.Number:
		return v.Num
	case gjson.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns a boolean field; anything else is false.
func (r StructuredResult) Bool(key string) bool {
	v := r.get(key)
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		return strings.EqualFold(v.Str, "true")
	}
	return false
}

// Strings returns the non-empty scalar items of an array field.
func (r StructuredResult) Strings(key string) []string {
	v := r.get(key)
	if !v.IsArray() {
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		if item.IsObject() || item.IsArray() || item.Type == gjson.Null {
			continue
		}
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Objects returns the object items of an array field.
func (r StructuredResult) Objects(key string) []StructuredResult {
	v := r.get(key)
	if !v.IsArray() {
		return nil
	}
	var out []StructuredResult
	for _, item := range v.Array() {
		if item.IsObject() {
			out = append(out, StructuredResult{raw: item.Raw})
		}
	}
	return out
}
