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

// Package llmclient defines the abstract LLM client contract the invoker
// (pkg/invoker) calls against. Concrete provider adapters (OpenAI,
// Anthropic, Bedrock, ...) are out of scope for this module; this package
// only fixes the typed request/response shapes every adapter must honor.
package llmclient

import (
	"context"
	"iter"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/tool"
)

// Client is the interface for language models.
//
//   - Single GenerateContent method handles both streaming and non-streaming.
//   - Returns iter.Seq2 which yields one or more Response objects.
//   - For non-streaming: yields exactly one Response.
//   - For streaming: yields multiple partial Responses (Partial=true), then
//     a final aggregated one (Partial=false) for session persistence.
type Client interface {
	// Name returns the model identifier.
	Name() string

	// Provider returns the provider type, used for model-specific message
	// formatting and content processing.
	Provider() Provider

	// GenerateContent produces responses for the given request.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases any resources held by the client.
	Close() error
}

// Provider identifies the LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderOllama    Provider = "ollama"
	ProviderUnknown   Provider = "unknown"
)

// Request contains the input for an LLM call.
type Request struct {
	// Messages is the conversation history.
	Messages []*action.Message

	// Tools available for the model to call.
	Tools []tool.Definition

	// Config contains generation configuration.
	Config *GenerateConfig

	// SystemInstruction is prepended to the conversation.
	SystemInstruction string
}

// GenerateConfig contains configuration for generation.
type GenerateConfig struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	TopK        *int

	StopSequences []string

	// ResponseMIMEType for structured output (e.g. "application/json").
	ResponseMIMEType string

	// ResponseSchema for structured output.
	ResponseSchema map[string]any

	// ResponseSchemaName identifies the schema for providers that require
	// it (e.g. OpenAI's json_schema format). Default: "response".
	ResponseSchemaName string

	// ResponseSchemaStrict enables strict schema validation. Default: true
	// (nil means true).
	ResponseSchemaStrict *bool

	EnableThinking bool
	ThinkingBudget int

	Metadata map[string]string
}

// Clone creates a deep copy of the GenerateConfig, so a processor pipeline
// can mutate its own copy without affecting shared state.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}

	clone := *c

	if c.Temperature != nil {
		v := *c.Temperature
		clone.Temperature = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.TopP != nil {
		v := *c.TopP
		clone.TopP = &v
	}
	if c.TopK != nil {
		v := *c.TopK
		clone.TopK = &v
	}
	if c.StopSequences != nil {
		clone.StopSequences = append([]string(nil), c.StopSequences...)
	}
	if c.ResponseSchema != nil {
		clone.ResponseSchema = deepCopyMap(c.ResponseSchema)
	}
	if c.ResponseSchemaStrict != nil {
		v := *c.ResponseSchemaStrict
		clone.ResponseSchemaStrict = &v
	}
	if c.Metadata != nil {
		clone.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(val)
		case []any:
			out[k] = deepCopySlice(val)
		default:
			out[k] = v
		}
	}
	return out
}

func deepCopySlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			out[i] = deepCopyMap(val)
		case []any:
			out[i] = deepCopySlice(val)
		default:
			out[i] = v
		}
	}
	return out
}

// Response contains the result of an LLM call.
type Response struct {
	Content *action.Message

	// Partial indicates a streaming chunk (true) vs. the final aggregated
	// response (false).
	Partial      bool
	TurnComplete bool

	ToolCalls []tool.ToolCall

	Usage    *Usage
	Thinking *ThinkingBlock

	FinishReason FinishReason

	ErrorCode    string
	ErrorMessage string
}

// Usage contains token usage statistics for one LLM call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
}

// ThinkingBlock contains the model's reasoning, when enabled.
type ThinkingBlock struct {
	ID        string
	Content   string
	Signature string
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonContent   FinishReason = "content_filter"
	FinishReasonError     FinishReason = "error"
)

// TextContent extracts text from a response.
func (r *Response) TextContent() string {
	if r == nil {
		return ""
	}
	return r.Content.Text()
}

// HasToolCalls reports whether the response contains tool calls.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}
