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

// Package capability routes tool calls to domain-specialized capability
// servers: which servers a caller may reach, what tools they expose, and the
// authenticated connections used to call them.
package capability

import (
	"strings"
)

// NamespaceSeparator joins a capability name and a tool name into the
// prefixed tool name presented to the LLM.
const NamespaceSeparator = "__"

// ToolDescriptor describes one tool as exposed by a capability server.
// Parameters is a JSON-schema-style object.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ExecutionResult is the envelope every capability server returns from a
// tool call. The orchestrator depends only on this shape.
type ExecutionResult struct {
	Success          bool                     `json:"success"`
	RowCount         int                      `json:"row_count"`
	Columns          []string                 `json:"columns,omitempty"`
	SampleRows       []map[string]interface{} `json:"sample_rows,omitempty"`
	Data             []map[string]interface{} `json:"data,omitempty"`
	Error            string                   `json:"error,omitempty"`
	Source           string                   `json:"source,omitempty"`
	QueryEcho        string                   `json:"query,omitempty"`
	ResolvedAccounts []string                 `json:"resolved_accounts,omitempty"`
}

// PrefixedName returns "<capability>__<tool>".
func PrefixedName(capability, tool string) string {
	return capability + NamespaceSeparator + tool
}

// SplitPrefixedName splits a prefixed tool name back into capability and
// tool. ok is false when the name carries no namespace.
func SplitPrefixedName(prefixed string) (capability, tool string, ok bool) {
	idx := strings.Index(prefixed, NamespaceSeparator)
	if idx <= 0 || idx+len(NamespaceSeparator) >= len(prefixed) {
		return "", "", false
	}
	return prefixed[:idx], prefixed[idx+len(NamespaceSeparator):], true
}
