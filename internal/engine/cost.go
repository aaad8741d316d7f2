package engine

import (
	"fmt"
	"sync"
	"time"
)

// ModelPricing holds USD-per-million-token pricing for one LLM model.
// CasareRPA's node catalog includes LLM automation nodes, and cost
// attribution per job is a natural extension of per-node-type metrics.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing is a static per-model pricing table covering the
// common hosted LLM provider families; operators extend it via
// CostTracker.Pricing for in-house or fine-tuned models.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus":              {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-sonnet":            {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-haiku":             {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// ErrUnknownModel is returned when RecordLLMCall sees a model absent from
// the pricing table.
type ErrUnknownModel struct{ Model string }

func (e *ErrUnknownModel) Error() string {
	return fmt.Sprintf("cost: unknown model %q, not in pricing table", e.Model)
}

// LLMCall records one priced invocation.
type LLMCall struct {
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	NodeID       string
	Timestamp    time.Time
}

// CostTracker accumulates LLM token cost for one job, attributed per
// model and per node. Thread-safe because LLM nodes may run inside
// retry/try constructs whose timing the caller doesn't control.
type CostTracker struct {
	JobID      string
	Currency   string
	Pricing    map[string]ModelPricing
	Calls      []LLMCall
	TotalCost  float64
	ModelCosts map[string]float64

	mu      sync.RWMutex
	enabled bool
}

// NewCostTracker builds a tracker seeded with the default pricing table.
func NewCostTracker(jobID, currency string) *CostTracker {
	return &CostTracker{
		JobID:      jobID,
		Currency:   currency,
		Pricing:    defaultModelPricing,
		ModelCosts: make(map[string]float64),
		enabled:    true,
	}
}

// RecordLLMCall prices one call and folds it into the running totals.
func (ct *CostTracker) RecordLLMCall(model string, inputTokens, outputTokens int, nodeID string, now time.Time) error {
	if !ct.enabled {
		return nil
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()

	pricing, ok := ct.Pricing[model]
	if !ok {
		return &ErrUnknownModel{Model: model}
	}

	cost := float64(inputTokens)*pricing.InputPer1M/1_000_000 + float64(outputTokens)*pricing.OutputPer1M/1_000_000
	ct.Calls = append(ct.Calls, LLMCall{
		Model: model, InputTokens: inputTokens, OutputTokens: outputTokens,
		Cost: cost, NodeID: nodeID, Timestamp: now,
	})
	ct.TotalCost += cost
	ct.ModelCosts[model] += cost
	return nil
}

// GetTotalCost returns the cumulative cost across all recorded calls.
func (ct *CostTracker) GetTotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.TotalCost
}

// GetCostByModel returns a copy of the per-model cost breakdown.
func (ct *CostTracker) GetCostByModel() map[string]float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make(map[string]float64, len(ct.ModelCosts))
	for k, v := range ct.ModelCosts {
		out[k] = v
	}
	return out
}

// llm_model/llm_input_tokens/llm_output_tokens are the output-port
// convention an LLM node plugin uses to report what it billed: the
// engine has no typed knowledge of any of the ~250 node types, so an
// out-of-band Result.Data key is how a plugin opts into cost tracking
// without widening the nodeplugin.Result contract.
const (
	llmModelKey        = "llm_model"
	llmInputTokensKey  = "llm_input_tokens"
	llmOutputTokensKey = "llm_output_tokens"
)

// recordLLMCost folds nodeID's output data into the engine's cost
// tracker, if one is attached and the output carries the LLM cost
// convention keys. An unknown model or a missing key is silently
// skipped: cost tracking is best-effort instrumentation, not something
// that should fail a node that isn't an LLM call.
func (e *Engine) recordLLMCost(nodeID string, data map[string]any) {
	if e.costTracker == nil {
		return
	}
	model, ok := data[llmModelKey].(string)
	if !ok || model == "" {
		return
	}
	inputTokens := toInt(data[llmInputTokensKey])
	outputTokens := toInt(data[llmOutputTokensKey])
	_ = e.costTracker.RecordLLMCall(model, inputTokens, outputTokens, nodeID, timeNow())
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
