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

package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/penguiflow/planner/pkg/snapshot"
)

// Fact is one remembered entry, scoped to a session and optionally a branch.
type Fact struct {
	Content   string
	Source    string
	CreatedAt time.Time
}

// Adapter is the abstract memory backing behind snapshot.Context.SearchMemory
// and behind a TaskContextSnapshot's memory strategy. A concrete adapter may
// be in-process (Store) or back onto an external vector index; the planner
// runtime only ever depends on this interface.
type Adapter interface {
	// Search answers a similarity query scoped to a session/branch.
	Search(ctx context.Context, sessionID, query string) (*snapshot.MemorySearchResponse, error)

	// Remember appends a fact under a session/branch.
	Remember(ctx context.Context, sessionID string, fact Fact) error

	// Branch creates an isolated copy of a session's facts under a new
	// branch id, for StrategyBranch snapshots. Writes to the branch never
	// affect the parent session's facts.
	Branch(ctx context.Context, sessionID, branchID string) error

	// Summarize freezes the current facts for a session into a single
	// string, for StrategySummary snapshots.
	Summarize(ctx context.Context, sessionID string) (string, error)
}

// Store is an in-process Adapter keyed by session id. It is the default
// adapter wired when no external backend is configured; facts live only for
// the process lifetime.
type Store struct {
	cfg Config

	mu    sync.RWMutex
	facts map[string][]Fact
}

// NewStore creates an in-process memory Store.
func NewStore(cfg Config) *Store {
	cfg.SetDefaults()
	return &Store{cfg: cfg, facts: make(map[string][]Fact)}
}

// Search implements Adapter. Matching is substring-based; it is intended for
// tests and small deployments, not as a production-grade retrieval engine.
func (s *Store) Search(ctx context.Context, sessionID, query string) (*snapshot.MemorySearchResponse, error) {
	if !s.cfg.Enabled {
		return &snapshot.MemorySearchResponse{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var results []snapshot.MemorySearchResult
	for _, f := range s.facts[sessionID] {
		score := 0.0
		if q == "" {
			score = 1.0
		} else if strings.Contains(strings.ToLower(f.Content), q) {
			score = 1.0
		}
		if score == 0.0 {
			continue
		}
		results = append(results, snapshot.MemorySearchResult{
			Content: f.Content,
			Score:   score,
			Source:  f.Source,
		})
		if len(results) >= s.cfg.RecallLimit {
			break
		}
	}
	return &snapshot.MemorySearchResponse{Results: results}, nil
}

// Remember implements Adapter.
func (s *Store) Remember(ctx context.Context, sessionID string, fact Fact) error {
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[sessionID] = append(s.facts[sessionID], fact)
	return nil
}

// Branch implements Adapter: copies the parent session's facts into a new
// key so subsequent writes under branchID never mutate sessionID's facts.
func (s *Store) Branch(ctx context.Context, sessionID, branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.facts[sessionID]
	dst := make([]Fact, len(src))
	copy(dst, src)
	s.facts[branchID] = dst
	return nil
}

// Summarize implements Adapter with a plain concatenation; callers wanting
// LLM-generated summaries should wrap a Store with their own Adapter that
// calls out before falling back to this.
func (s *Store) Summarize(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	facts := s.facts[sessionID]
	if len(facts) == 0 {
		return "", nil
	}
	var b strings.Builder
	for i, f := range facts {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(f.Content)
	}
	return b.String(), nil
}

var _ Adapter = (*Store)(nil)
