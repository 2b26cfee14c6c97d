// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package invoker drives one LLM turn for the planner runtime: choose an
// output mode (pkg/schema), build a provider-agnostic request, call the
// abstract client (pkg/llmclient) with timeout and cancellation, parse the
// response into a PlannerAction, retry on validation/parse failure, and
// accumulate cost across attempts.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/llmclient"
	"github.com/penguiflow/planner/pkg/observability"
	"github.com/penguiflow/planner/pkg/perr"
	"github.com/penguiflow/planner/pkg/schema"
	"github.com/penguiflow/planner/pkg/task"
	"github.com/penguiflow/planner/pkg/tool"
)

// StreamFunc receives character-level text deltas as the final_response
// answer field streams in; see pkg/stream for the detection state machine
// that typically drives these callbacks from raw provider chunks.
type StreamFunc func(delta string)

// Request is the provider-agnostic input to Call.
type Request struct {
	Messages []*action.Message
	Tools    []tool.Definition

	// Timeout bounds the whole call, including retries.
	Timeout time.Duration

	// CancelToken is observed at each retry boundary.
	CancelToken task.CancelToken

	// MaxRetries caps re-invocations after a validation/parse failure.
	// Default: 2.
	MaxRetries int

	// StreamCB, when non-nil, is invoked for streaming responses.
	StreamCB StreamFunc

	// Config seeds temperature/max_tokens/etc; ResponseSchema/Mode are set
	// by Call from the computed schema.Plan.
	Config *llmclient.GenerateConfig
}

// Result is what Call returns: the parsed action, any non-blocking
// reasoning text, and the accumulated cost across every attempt.
type Result struct {
	Action    action.PlannerAction
	Reasoning string
	CostUSD   float64
	Usage     llmclient.Usage
	Attempts  int
}

// Invoker ties an llmclient.Client to a schema.ModelProfile and a pricing
// table, and exposes the single Call entrypoint the planner runtime drives.
type Invoker struct {
	client  llmclient.Client
	profile schema.ModelProfile
	pricing Pricing

	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures optional Invoker dependencies.
type Option func(*Invoker)

// WithMetrics records call latency, token usage, and error counts for
// every Call against m. A nil m is accepted and simply records nothing.
func WithMetrics(m *observability.Metrics) Option {
	return func(inv *Invoker) { inv.metrics = m }
}

// WithTracer wraps every Call in a span. A nil t is accepted and starts
// no-op spans.
func WithTracer(t *observability.Tracer) Option {
	return func(inv *Invoker) { inv.tracer = t }
}

// New builds an Invoker over a concrete client and its structured-output
// profile. pricing may be the zero value, in which case CostUSD is always 0.
func New(client llmclient.Client, profile schema.ModelProfile, pricing Pricing, opts ...Option) *Invoker {
	inv := &Invoker{client: client, profile: profile, pricing: pricing}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Call implements the §4.C contract: choose mode, build the request, invoke
// the client with timeout+cancellation, parse structured output, retry on
// validation/parse failure up to MaxRetries, and return the accumulated
// cost. Context-length-exceeded is surfaced to the caller as a
// *perr.Error{Kind: ContextLengthExceeded} without retrying here — pkg/recovery
// owns compression and the single re-attempt that follows it.
func (inv *Invoker) Call(ctx context.Context, req *Request) (res *Result, callErr error) {
	ctx, span := inv.tracer.Start(ctx, observability.SpanLLMCall)
	start := time.Now()
	defer func() {
		span.End()
		tokensIn, tokensOut := 0, 0
		if res != nil {
			tokensIn, tokensOut = res.Usage.PromptTokens, res.Usage.CompletionTokens
		}
		inv.metrics.RecordLLMCall(inv.profile.Name, time.Since(start), tokensIn, tokensOut, callErr)
	}()
	return inv.call(ctx, req)
}

func (inv *Invoker) call(ctx context.Context, req *Request) (*Result, error) {
	if req.MaxRetries <= 0 {
		req.MaxRetries = 2
	}

	plan := schema.Compute(actionSchema(), inv.profile)

	ctx, cancel := context.WithTimeout(ctx, effectiveTimeout(req.Timeout))
	defer cancel()

	messages := append([]*action.Message(nil), req.Messages...)
	result := &Result{}

	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		if req.CancelToken != nil && req.CancelToken.Cancelled() {
			return result, perr.New(perr.Cancelled, "cancelled before LLM attempt "+itoa(attempt+1), nil)
		}

		llmReq := inv.buildRequest(messages, req.Tools, req.Config, plan)

		resp, pErr := inv.invoke(ctx, llmReq, req.StreamCB)
		if pErr != nil {
			if pErr.Kind == perr.ContextLengthExceeded {
				return result, pErr
			}
			if !pErr.Retryable || attempt == req.MaxRetries {
				return result, pErr
			}
			continue
		}

		if resp.Usage != nil {
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
			result.Usage.ThinkingTokens += resp.Usage.ThinkingTokens
			result.CostUSD += inv.pricing.Cost(*resp.Usage)
		}
		if resp.Thinking != nil {
			result.Reasoning = resp.Thinking.Content
		}

		act, parseErr := parseAction(resp, plan.Mode)
		if parseErr != nil {
			if attempt == req.MaxRetries {
				return result, perr.New(perr.ParseError, "exhausted retries parsing structured output: "+parseErr.Error(), parseErr)
			}
			messages = append(messages, retryMessage(parseErr))
			continue
		}

		result.Action = act
		return result, nil
	}

	return result, perr.New(perr.Unknown, "invoker: exhausted retries without a terminal result", nil)
}

func effectiveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}

// invoke drains the client's iterator, returning the final aggregated
// response (Partial=false). Streaming deltas, when present, are forwarded
// to StreamCB as they arrive.
func (inv *Invoker) invoke(ctx context.Context, req *llmclient.Request, cb StreamFunc) (*llmclient.Response, *perr.Error) {
	var final *llmclient.Response
	var callErr error

	stream := cb != nil
	for resp, err := range inv.client.GenerateContent(ctx, req, stream) {
		if err != nil {
			callErr = err
			break
		}
		if resp.Partial {
			if cb != nil {
				cb(resp.TextContent())
			}
			continue
		}
		final = resp
	}

	if callErr != nil {
		return nil, classifyClientError(callErr)
	}
	if final == nil {
		return nil, perr.New(perr.Unknown, "invoker: client produced no final response", nil)
	}
	if final.ErrorCode != "" {
		return nil, classifyResponseError(final)
	}
	return final, nil
}

func classifyClientError(err error) *perr.Error {
	if pe, ok := perr.As(err); ok {
		return pe
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "context") && strings.Contains(lower, "length"):
		return perr.New(perr.ContextLengthExceeded, msg, err)
	case strings.Contains(lower, "context deadline") || strings.Contains(lower, "timeout"):
		return perr.New(perr.LLMTimeout, msg, err)
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return perr.New(perr.LLMRateLimit, msg, err)
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401") || strings.Contains(lower, "403"):
		return perr.New(perr.LLMAuth, msg, err)
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "400"):
		return perr.New(perr.LLMInvalidRequest, msg, err)
	case strings.Contains(lower, "unavailable") || strings.Contains(lower, "503") || strings.Contains(lower, "502"):
		return perr.New(perr.LLMServer, msg, err)
	default:
		return perr.New(perr.Unknown, msg, err)
	}
}

func classifyResponseError(resp *llmclient.Response) *perr.Error {
	msg := resp.ErrorMessage
	lower := strings.ToLower(resp.ErrorCode + " " + msg)
	switch {
	case strings.Contains(lower, "context_length") || strings.Contains(lower, "context length"):
		return perr.New(perr.ContextLengthExceeded, msg, nil)
	case strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit"):
		return perr.New(perr.LLMRateLimit, msg, nil)
	case strings.Contains(lower, "auth"):
		return perr.New(perr.LLMAuth, msg, nil)
	case strings.Contains(lower, "invalid"):
		return perr.New(perr.LLMInvalidRequest, msg, nil)
	case strings.Contains(lower, "unavailable") || strings.Contains(lower, "server"):
		return perr.New(perr.LLMServer, msg, nil)
	default:
		return perr.New(perr.Unknown, msg, nil)
	}
}

func (inv *Invoker) buildRequest(messages []*action.Message, tools []tool.Definition, base *llmclient.GenerateConfig, plan *schema.Plan) *llmclient.Request {
	cfg := base.Clone()
	if cfg == nil {
		cfg = &llmclient.GenerateConfig{}
	}

	switch plan.Mode {
	case schema.ModeNative:
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = plan.TransformedSchema
		if cfg.ResponseSchemaName == "" {
			cfg.ResponseSchemaName = "planner_action"
		}
		strict := plan.StrictApplied
		cfg.ResponseSchemaStrict = &strict
	case schema.ModeTools:
		// Tool-forced structured output: the schema travels as a synthetic
		// tool definition; the caller's visible tools are still offered.
		tools = append(append([]tool.Definition(nil), tools...), structuredOutputTool(plan))
	case schema.ModePrompted:
		messages = append(messages, promptedSchemaMessage(plan))
	}

	return &llmclient.Request{
		Messages: messages,
		Tools:    tools,
		Config:   cfg,
	}
}

func structuredOutputTool(plan *schema.Plan) tool.Definition {
	return tool.Definition{
		Name:        "emit_planner_action",
		Description: "Emit the next planner action as structured arguments.",
		Parameters:  plan.TransformedSchema,
	}
}

func promptedSchemaMessage(plan *schema.Plan) *action.Message {
	schemaJSON, _ := json.Marshal(plan.TransformedSchema)
	return action.NewTextMessage(action.RoleUser,
		"Respond with exactly one JSON object matching this schema, no surrounding prose: "+string(schemaJSON))
}

func retryMessage(parseErr error) *action.Message {
	return action.NewTextMessage(action.RoleUser,
		"Your previous response could not be parsed as the required structured action: "+parseErr.Error()+
			". Reply again with a single valid JSON object for { next_node, args }.")
}

// parseAction extracts {next_node, args} from a response per the selected
// mode: native/prompted responses carry JSON text, tools mode carries a
// forced tool call.
func parseAction(resp *llmclient.Response, mode schema.OutputMode) (action.PlannerAction, error) {
	if mode == schema.ModeTools {
		for _, call := range resp.ToolCalls {
			if call.Name != "emit_planner_action" {
				continue
			}
			raw, err := json.Marshal(call.Args)
			if err != nil {
				return action.PlannerAction{}, fmt.Errorf("invoker: remarshal tool-mode args: %w", err)
			}
			var act action.PlannerAction
			if err := json.Unmarshal(raw, &act); err != nil {
				return action.PlannerAction{}, fmt.Errorf("invoker: decode tool-mode action: %w", err)
			}
			return act, nil
		}
		return action.PlannerAction{}, fmt.Errorf("invoker: no emit_planner_action tool call in response")
	}

	text := strings.TrimSpace(resp.TextContent())
	if text == "" {
		return action.PlannerAction{}, fmt.Errorf("invoker: empty response text")
	}

	var act action.PlannerAction
	if err := json.Unmarshal([]byte(text), &act); err != nil {
		return action.PlannerAction{}, fmt.Errorf("invoker: decode response JSON: %w", err)
	}
	if act.NextNode == "" {
		return action.PlannerAction{}, fmt.Errorf("invoker: missing next_node")
	}
	return act, nil
}

// actionSchema is the fixed response schema every call targets: the
// two-field PlannerAction the planner runtime dispatches on.
func actionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"next_node": map[string]any{"type": "string"},
			"args":      map[string]any{"type": "object"},
		},
		"required": []any{"next_node", "args"},
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
