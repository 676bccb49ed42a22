// Copyright 2025 Atlas Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator runs the bounded tool-calling loop that turns a user
// message into an assistant reply, dispatching capability tools as the model
// requests them.
package orchestrator

import (
	"github.com/atlashq/atlas/pkg/capability"
	"github.com/atlashq/atlas/pkg/llm"
	"github.com/atlashq/atlas/pkg/store"
)

// Phases of one request. The loop moves discover -> plan -> dispatch ->
// inject -> plan ... until a terminal phase.
const (
	phaseDiscover = "discover"
	phasePlan     = "plan"
	phaseDispatch = "dispatch"
	phaseInject   = "inject"
)

// Outcomes of one request.
const (
	OutcomeDone     = "done"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeRefused  = "refused"
	OutcomeDeadline = "deadline_exceeded"
)

// Request is one user message addressed to a session. An empty SessionID
// starts a new session.
type Request struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Metadata summarizes how the loop ran.
type Metadata struct {
	Rounds         int    `json:"rounds"`
	TotalToolCalls int    `json:"total_tool_calls"`
	FinalPhase     string `json:"final_phase"`
}

// Result is the outcome of one request. FinalAnswer is false only when the
// loop terminated without the model producing a closing reply, so the client
// can present the message as a system notice instead of an answer.
type Result struct {
	Success          bool     `json:"success"`
	Outcome          string   `json:"outcome"`
	AssistantMessage string   `json:"assistant_message"`
	FinalAnswer      bool     `json:"final_answer"`
	SessionID        string   `json:"session_id"`
	TurnID           int      `json:"turn_id"`
	Metadata         Metadata `json:"execution_metadata"`
}

// dispatchResult carries everything one tool call produced, kept in the
// order the model emitted the calls.
type dispatchResult struct {
	call   llm.ToolCall
	route  capability.Route
	result *capability.ExecutionResult
	record store.ExecutionRecord
}
