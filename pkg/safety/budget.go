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

package safety

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken approximates token cost when no encoder is available.
const charsPerToken = 4

// minKeptChars is the smallest payload left behind after truncation, so a
// truncated argument still carries usable content.
const minKeptChars = 64

// TokenBudget caps the combined size of all tool-call arguments in a turn.
// Oversized turns are not rejected: the largest string argument is cut down
// until the turn fits, and the affected calls are marked Truncated.
type TokenBudget struct {
	maxTokens int

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewTokenBudget creates a budget filter. maxChars is the configured ceiling
// in characters; token counts are converted at four characters per token.
func NewTokenBudget(maxChars int) *TokenBudget {
	return &TokenBudget{maxTokens: maxChars / charsPerToken}
}

func (t *TokenBudget) Name() string { return "token_budget" }

// countTokens uses the cl100k_base encoding when available and falls back to
// a character heuristic when the encoding data cannot be loaded.
func (t *TokenBudget) countTokens(text string) int {
	t.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			t.enc = enc
		}
	})

	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

func (t *TokenBudget) Screen(calls []*PendingCall) []error {
	verdicts := make([]error, len(calls))
	if t.maxTokens <= 0 {
		return verdicts
	}

	for t.totalTokens(calls) > t.maxTokens {
		call, key, length := largestStringArg(calls)
		if call == nil || length <= minKeptChars {
			break
		}

		excess := t.totalTokens(calls) - t.maxTokens
		keep := length - excess*charsPerToken - len(TruncationMarker)
		if keep < minKeptChars {
			keep = minKeptChars
		}
		if keep+len(TruncationMarker) >= length {
			break
		}

		value := call.Args[key].(string)
		call.Args[key] = value[:keep] + TruncationMarker
		call.Truncated = true
	}

	return verdicts
}

func (t *TokenBudget) totalTokens(calls []*PendingCall) int {
	total := 0
	for _, call := range calls {
		encoded, err := json.Marshal(call.Args)
		if err != nil {
			continue
		}
		total += t.countTokens(string(encoded))
	}
	return total
}

// largestStringArg finds the longest top-level string argument across the
// turn's calls, the natural target when the budget is exceeded.
func largestStringArg(calls []*PendingCall) (*PendingCall, string, int) {
	var (
		bestCall *PendingCall
		bestKey  string
		bestLen  int
	)
	for _, call := range calls {
		for key, value := range call.Args {
			s, ok := value.(string)
			if !ok {
				continue
			}
			if len(s) > bestLen {
				bestCall, bestKey, bestLen = call, key, len(s)
			}
		}
	}
	return bestCall, bestKey, bestLen
}
