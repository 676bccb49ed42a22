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

// Package safety applies pre-dispatch checks to tool calls: a
// dangerous-statement blocklist and a per-turn token budget.
package safety

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsafePayload rejects a tool call whose arguments match a configured
// dangerous pattern. The call is recorded as failed; the loop continues.
var ErrUnsafePayload = errors.New("unsafe_payload")

// TruncationMarker is appended to an argument cut down by the token budget.
const TruncationMarker = "...[truncated]"

// PendingCall is one tool call awaiting dispatch. Filters may annotate it
// (Truncated) or veto it entirely.
type PendingCall struct {
	Capability string
	Tool       string
	Args       map[string]interface{}
	Truncated  bool
}

// Filter is one pre-dispatch check. Screen inspects the whole turn's calls
// at once (the token budget is a per-turn sum) and returns one verdict per
// call, nil meaning the call may dispatch. Filters run in declared order; a
// rejection stops only the offending call.
type Filter interface {
	Name() string
	Screen(calls []*PendingCall) []error
}

// Chain applies filters in order, short-circuiting per call on the first
// rejection.
type Chain struct {
	filters []Filter
}

// NewChain builds a filter chain. Order is significant.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Screen runs every filter over the turn's calls. The returned slice has one
// entry per call; nil means the call passed every filter.
func (c *Chain) Screen(calls []*PendingCall) []error {
	verdicts := make([]error, len(calls))

	for _, filter := range c.filters {
		results := filter.Screen(calls)
		for i, err := range results {
			if verdicts[i] == nil && err != nil {
				verdicts[i] = fmt.Errorf("%s: %w", filter.Name(), err)
			}
		}
	}

	return verdicts
}

// Blocklist rejects calls whose string arguments contain any configured
// pattern, matched case-insensitively.
type Blocklist struct {
	patterns []string
}

// NewBlocklist creates a blocklist filter from the configured patterns.
func NewBlocklist(patterns []string) *Blocklist {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p != "" {
			lowered = append(lowered, strings.ToLower(p))
		}
	}
	return &Blocklist{patterns: lowered}
}

func (b *Blocklist) Name() string { return "blocklist" }

func (b *Blocklist) Screen(calls []*PendingCall) []error {
	verdicts := make([]error, len(calls))
	for i, call := range calls {
		if pattern := b.match(call.Args); pattern != "" {
			verdicts[i] = fmt.Errorf("%w: argument matches dangerous pattern %q", ErrUnsafePayload, pattern)
		}
	}
	return verdicts
}

func (b *Blocklist) match(value interface{}) string {
	switch v := value.(type) {
	case string:
		lowered := strings.ToLower(v)
		for _, pattern := range b.patterns {
			if strings.Contains(lowered, pattern) {
				return pattern
			}
		}
	case map[string]interface{}:
		for _, item := range v {
			if pattern := b.match(item); pattern != "" {
				return pattern
			}
		}
	case []interface{}:
		for _, item := range v {
			if pattern := b.match(item); pattern != "" {
				return pattern
			}
		}
	}
	return ""
}
