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

package invoker

import "github.com/penguiflow/planner/pkg/llmclient"

// Pricing converts token usage into a cost_usd figure, per §4.C "accumulate
// cost across attempts and return". Rates are USD per 1,000 tokens.
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// Cost computes the dollar cost of one Usage sample. The zero Pricing value
// always costs 0, so callers that don't configure rates simply skip cost
// accounting rather than erroring.
func (p Pricing) Cost(u llmclient.Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K +
		float64(u.CompletionTokens)/1000*p.CompletionPer1K
}
