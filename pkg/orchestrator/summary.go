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

package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// buildSummary renders one round's tool results as a Markdown block spoken
// by the assistant. Tool results never enter the message log as raw
// protocol messages; the model sees this summary plus a follow-up user
// directive instead.
func buildSummary(planText string, dispatched []dispatchResult, sampleLimit int) string {
	var b strings.Builder

	if planText != "" {
		b.WriteString(planText)
		b.WriteString("\n\n")
	}
	b.WriteString("I ran the following tools:\n")

	for _, d := range dispatched {
		name := d.call.Name
		if d.route.Capability != "" {
			name = fmt.Sprintf("%s (%s)", d.route.Tool, d.route.Capability)
		}

		if !d.record.Success {
			fmt.Fprintf(&b, "\n### %s\nFailed: %s\n", name, d.record.Error)
			continue
		}

		fmt.Fprintf(&b, "\n### %s\nSucceeded with %d row(s).\n", name, d.record.RowCount)

		if d.result != nil {
			if d.result.QueryEcho != "" {
				fmt.Fprintf(&b, "Query: `%s`\n", d.result.QueryEcho)
			}
			if len(d.result.ResolvedAccounts) > 0 {
				fmt.Fprintf(&b, "Resolved accounts: %s\n", strings.Join(d.result.ResolvedAccounts, ", "))
			}
		}

		rows := clampRows(d.record.SampleRows, sampleLimit)
		if len(rows) > 0 {
			encoded, err := json.MarshalIndent(rows, "", "  ")
			if err == nil {
				b.WriteString("Sample rows:\n```json\n")
				b.Write(encoded)
				b.WriteString("\n```\n")
			}
		}
		if d.record.Truncated {
			b.WriteString("Note: an oversized argument was truncated before this call.\n")
		}
	}

	return b.String()
}
