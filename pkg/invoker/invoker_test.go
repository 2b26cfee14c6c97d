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

package invoker_test

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/planner/pkg/action"
	"github.com/penguiflow/planner/pkg/invoker"
	"github.com/penguiflow/planner/pkg/llmclient"
	"github.com/penguiflow/planner/pkg/perr"
	"github.com/penguiflow/planner/pkg/schema"
)

type fakeClient struct {
	responses []*llmclient.Response
	errs      []error
	calls     int
}

func (f *fakeClient) Name() string                  { return "fake-model" }
func (f *fakeClient) Provider() llmclient.Provider   { return llmclient.ProviderOpenAI }
func (f *fakeClient) Close() error                   { return nil }
func (f *fakeClient) GenerateContent(ctx context.Context, req *llmclient.Request, stream bool) iter.Seq2[*llmclient.Response, error] {
	idx := f.calls
	f.calls++
	return func(yield func(*llmclient.Response, error) bool) {
		if idx < len(f.errs) && f.errs[idx] != nil {
			yield(nil, f.errs[idx])
			return
		}
		if idx < len(f.responses) {
			yield(f.responses[idx], nil)
		}
	}
}

func nativeProfile() schema.ModelProfile {
	return schema.ModelProfile{Name: "fake-model", SupportsNative: true}
}

func textResponse(text string) *llmclient.Response {
	return &llmclient.Response{
		Content: action.NewTextMessage(action.RoleAssistant, text),
		Usage:   &llmclient.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
}

func TestCallParsesNativeResponse(t *testing.T) {
	client := &fakeClient{responses: []*llmclient.Response{
		textResponse(`{"next_node": "final_response", "args": {"answer": "done"}}`),
	}}
	inv := invoker.New(client, nativeProfile(), invoker.Pricing{PromptPer1K: 0.01, CompletionPer1K: 0.02})

	result, err := inv.Call(context.Background(), &invoker.Request{
		Messages: []*action.Message{action.NewTextMessage(action.RoleUser, "hi")},
	})
	require.NoError(t, err)
	require.Equal(t, "final_response", result.Action.NextNode)
	require.Equal(t, 1, result.Attempts)
	require.InDelta(t, 100.0/1000*0.01+50.0/1000*0.02, result.CostUSD, 1e-9)
}

func TestCallRetriesOnParseFailureThenSucceeds(t *testing.T) {
	client := &fakeClient{responses: []*llmclient.Response{
		textResponse("not json"),
		textResponse(`{"next_node": "final_response", "args": {"answer": "done"}}`),
	}}
	inv := invoker.New(client, nativeProfile(), invoker.Pricing{})

	result, err := inv.Call(context.Background(), &invoker.Request{
		Messages:   []*action.Message{action.NewTextMessage(action.RoleUser, "hi")},
		MaxRetries: 2,
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempts)
	require.Equal(t, "final_response", result.Action.NextNode)
}

func TestCallExhaustsRetriesOnPersistentParseFailure(t *testing.T) {
	client := &fakeClient{responses: []*llmclient.Response{
		textResponse("not json"),
		textResponse("still not json"),
	}}
	inv := invoker.New(client, nativeProfile(), invoker.Pricing{})

	_, err := inv.Call(context.Background(), &invoker.Request{
		Messages:   []*action.Message{action.NewTextMessage(action.RoleUser, "hi")},
		MaxRetries: 1,
	})
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	require.Equal(t, perr.ParseError, pe.Kind)
}

func TestCallSurfacesContextLengthExceededWithoutRetry(t *testing.T) {
	client := &fakeClient{errs: []error{
		perr.New(perr.ContextLengthExceeded, "too long", nil),
	}}
	inv := invoker.New(client, nativeProfile(), invoker.Pricing{})

	_, err := inv.Call(context.Background(), &invoker.Request{
		Messages:   []*action.Message{action.NewTextMessage(action.RoleUser, "hi")},
		MaxRetries: 3,
	})
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	require.Equal(t, perr.ContextLengthExceeded, pe.Kind)
	require.Equal(t, 1, client.calls, "context-length errors must not be retried by the invoker itself")
}

func TestCallCancelledBeforeAttempt(t *testing.T) {
	client := &fakeClient{}
	inv := invoker.New(client, nativeProfile(), invoker.Pricing{})

	_, err := inv.Call(context.Background(), &invoker.Request{
		Messages:    []*action.Message{action.NewTextMessage(action.RoleUser, "hi")},
		CancelToken: alwaysCancelled{},
	})
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	require.Equal(t, perr.Cancelled, pe.Kind)
}

type alwaysCancelled struct{}

func (alwaysCancelled) Cancelled() bool { return true }
func (alwaysCancelled) Reason() string  { return "test" }
