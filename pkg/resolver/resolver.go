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

// Package resolver maps free-text account mentions to canonical account
// records using TF-IDF cosine similarity over word n-grams. Matching runs
// fully in-process; no network call is made per lookup.
package resolver

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/atlashq/atlas/pkg/auth"
)

// Account is one canonical record in the resolution corpus. Every textual
// field participates in the fitted document, so a mention can land on an
// account through its description, industry, type or a known alias, not just
// the canonical name.
type Account struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Industry    string   `json:"industry,omitempty"`
	Type        string   `json:"type,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	OwnerID     string   `json:"owner_id,omitempty"`
}

// document concatenates the account's textual fields into the string the
// TF-IDF model is fitted on.
func (a Account) document() string {
	parts := make([]string, 0, 4+len(a.Aliases))
	parts = append(parts, a.Name)
	if a.Description != "" {
		parts = append(parts, a.Description)
	}
	if a.Industry != "" {
		parts = append(parts, a.Industry)
	}
	if a.Type != "" {
		parts = append(parts, a.Type)
	}
	parts = append(parts, a.Aliases...)
	return strings.Join(parts, " ")
}

// Match pairs an account with its similarity to the mention.
type Match struct {
	Account    Account `json:"account"`
	Similarity float64 `json:"similarity"`
}

// Resolution is the outcome of one lookup. Exactly one of the two shapes
// applies: Confident is set when the top match clears the confidence
// threshold, otherwise Candidates carries the shortlist for disambiguation.
// Both empty means no account in scope resembled the mention.
type Resolution struct {
	Confident  *Match  `json:"confident,omitempty"`
	Candidates []Match `json:"candidates,omitempty"`
}

// Config tunes the matcher.
type Config struct {
	// TopK bounds the disambiguation shortlist.
	TopK int
	// SimilarityFloor drops matches below this score entirely.
	SimilarityFloor float64
	// ConfidentThreshold promotes a single top match to a confident hit.
	ConfidentThreshold float64
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		TopK:               5,
		SimilarityFloor:    0.1,
		ConfidentThreshold: 0.7,
	}
}

// fittedModel is an immutable snapshot of the vectorized corpus. Refits swap
// the whole snapshot atomically, so lookups never observe a half-built model.
type fittedModel struct {
	accounts []Account
	vocab    map[string]int
	idf      []float64
	vectors  []sparseVector
}

// Resolver resolves mentions against the fitted account corpus. Resolve is
// safe for concurrent use with Fit.
type Resolver struct {
	cfg   Config
	model atomic.Pointer[fittedModel]
}

// New creates an unfitted resolver. Resolve before Fit returns an empty
// resolution.
func New(cfg Config) *Resolver {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.ConfidentThreshold <= 0 {
		cfg.ConfidentThreshold = DefaultConfig().ConfidentThreshold
	}
	return &Resolver{cfg: cfg}
}

// Fit rebuilds the TF-IDF model from the account corpus and swaps it in.
func (r *Resolver) Fit(accounts []Account) {
	model := fit(accounts)
	r.model.Store(model)
}

// Size returns the number of accounts in the fitted corpus.
func (r *Resolver) Size() int {
	model := r.model.Load()
	if model == nil {
		return 0
	}
	return len(model.accounts)
}

// Resolve matches a mention against the corpus, keeping only accounts the
// caller's scope allows. Scope filtering happens before the confidence
// decision: an out-of-scope account can neither be the confident hit nor
// appear among candidates.
func (r *Resolver) Resolve(mention string, rbac *auth.Context) Resolution {
	model := r.model.Load()
	if model == nil || len(model.accounts) == 0 {
		return Resolution{}
	}

	query := model.vectorize(mention)
	if len(query) == 0 {
		return Resolution{}
	}

	var matches []Match
	for i, account := range model.accounts {
		if !scopeAllows(rbac, account) {
			continue
		}
		score := cosine(query, model.vectors[i])
		if score <= r.cfg.SimilarityFloor {
			continue
		}
		matches = append(matches, Match{Account: account, Similarity: score})
	}

	if len(matches) == 0 {
		return Resolution{}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Account.Name < matches[j].Account.Name
	})

	if len(matches) > r.cfg.TopK {
		matches = matches[:r.cfg.TopK]
	}

	// A confident hit requires a single winner: when the runner-up also
	// clears the threshold the mention is ambiguous and needs disambiguation.
	if matches[0].Similarity >= r.cfg.ConfidentThreshold &&
		(len(matches) == 1 || matches[1].Similarity < r.cfg.ConfidentThreshold) {
		return Resolution{Confident: &matches[0]}
	}
	return Resolution{Candidates: matches}
}

func scopeAllows(rbac *auth.Context, account Account) bool {
	if rbac == nil {
		return false
	}
	if rbac.Scope.AllEntities {
		return true
	}
	if rbac.Scope.OwnedOnly && account.OwnerID != "" && account.OwnerID == rbac.CallerID {
		return true
	}
	return rbac.Scope.Allows(account.ID)
}
