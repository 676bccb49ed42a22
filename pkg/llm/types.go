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

// Package llm wraps the chat-completion API used by the orchestration loop.
package llm

import (
	"context"
	"errors"
)

// Roles in the message log.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the ordered message log sent to the model.
type Message struct {
	Role      string
	Content   string
	ToolCalls []ToolCall
}

// ToolCall is a tool invocation emitted by the model. ID is the model's raw
// call id, surfaced unchanged so it can be echoed back. Arguments is the
// opaque JSON blob the model produced; parsing is the caller's concern.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes one callable tool in the catalog given to the
// model. Parameters is a JSON-schema-style object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Completion is the model's reply: text, tool calls, or both.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Tokens    int
}

// Client produces an assistant message from a message log and an optional
// tool catalog.
type Client interface {
	Complete(ctx context.Context, messages []Message, tools []ToolDefinition) (*Completion, error)
}

// ErrMalformedResponse reports a reply the client could not interpret.
// It fails the current round; it is not retried.
var ErrMalformedResponse = errors.New("malformed LLM response")
