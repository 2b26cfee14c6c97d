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

package planner_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/penguiflow/planner/pkg/llmclient"
	"github.com/penguiflow/planner/pkg/planner"
	"github.com/penguiflow/planner/pkg/tool"
	"github.com/penguiflow/planner/pkg/tool/filetool"
)

// TestExecuteReadFileToolDispatchesThroughRealImplementation exercises the
// sandboxed filetool.read_file tool through the planner's real dispatch
// path (not a fakeTool stand-in), verifying line-range selection and the
// working-directory sandbox both take effect end to end.
func TestExecuteReadFileToolDispatchesThroughRealImplementation(t *testing.T) {
	dir := t.TempDir()
	content := "line one\nline two\nline three\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(content), 0o644))

	readFile, err := filetool.NewReadFile(&filetool.ReadFileConfig{WorkingDirectory: dir})
	require.NoError(t, err)

	tools := map[string]tool.CallableTool{readFile.Name(): readFile}
	client := &fakeClient{responses: []*llmclient.Response{
		actionResponse("read_file", `{"path": "notes.txt", "start_line": 2, "end_line": 2}`),
		actionResponse("final_response", `{"answer": "read it"}`),
	}}
	cfg := planner.DefaultConfig()
	cfg.AutoSeqEnabled = false
	rt, _ := newRuntime(t, client, tools, cfg)

	outcome, err := rt.Execute(context.Background(), baseRun())
	require.NoError(t, err)
	require.Equal(t, planner.ReasonCompleted, outcome.Reason)
	require.Len(t, outcome.Trajectory.Steps, 2)

	obs, ok := outcome.Trajectory.Steps[0].LLMObservation.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 1, obs["lines_shown"])
	require.Contains(t, obs["content"].(string), "line two")
	require.NotContains(t, obs["content"].(string), "line one")
}

// TestExecuteReadFileToolRejectsPathTraversal confirms a tool call trying to
// escape the working directory fails validation before touching disk, and
// the planner surfaces that as a tool error observation rather than a crash.
func TestExecuteReadFileToolRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	readFile, err := filetool.NewReadFile(&filetool.ReadFileConfig{WorkingDirectory: dir})
	require.NoError(t, err)

	tools := map[string]tool.CallableTool{readFile.Name(): readFile}
	client := &fakeClient{responses: []*llmclient.Response{
		actionResponse("read_file", `{"path": "../../etc/passwd"}`),
		actionResponse("final_response", `{"answer": "blocked"}`),
	}}
	cfg := planner.DefaultConfig()
	cfg.AutoSeqEnabled = false
	rt, _ := newRuntime(t, client, tools, cfg)

	outcome, err := rt.Execute(context.Background(), baseRun())
	require.NoError(t, err)
	require.Equal(t, planner.ReasonCompleted, outcome.Reason)

	step := outcome.Trajectory.Steps[0]
	require.NotEmpty(t, step.Error)
	require.True(t, strings.Contains(step.Error, "traversal") || strings.Contains(step.Error, "escapes"))
}
