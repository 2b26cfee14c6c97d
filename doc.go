// Package planner provides a ReAct planner runtime: a single-trajectory,
// action-dispatch agent loop with steering, pause/resume, parallel plan
// execution, background task groups, and context-patch merging.
//
// # Architecture
//
// One pkg/planner.Runtime drives a single task's trajectory to
// completion, a terminal failure, or a suspension point. A
// pkg/session.Coordinator owns one single-writer executor per session,
// admitting tasks onto their own Runtime and routing steering input to
// the right task's inbox:
//
//	Coordinator → sessionActor (per session_id)
//	                ├── task.Registry       (admission, lifecycle)
//	                ├── group.Registry       (task groups, report gates)
//	                └── planner.Runtime      (one per admitted task)
//	                      ├── invoker.Invoker    (LLM calls)
//	                      ├── recovery.Recovery  (retry/compress/synthesize)
//	                      ├── checkpoint.Manager (pause/resume)
//	                      └── eventsink.Sink     (StateUpdate stream)
//
// # Using as a Go library
//
//	import (
//	    "github.com/penguiflow/planner/pkg/planner"
//	    "github.com/penguiflow/planner/pkg/session"
//	)
//
// # Status
//
// Early development; APIs may change.
//
// # License
//
// AGPL-3.0 - See LICENSE.md for details.
package planner
