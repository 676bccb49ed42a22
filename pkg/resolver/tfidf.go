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

package resolver

import (
	"math"
	"strings"
	"unicode"
)

const maxNGram = 3

// sparseVector maps vocabulary index to L2-normalized TF-IDF weight.
type sparseVector map[int]float64

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "co": true, "corp": true, "for": true, "from": true,
	"in": true, "inc": true, "is": true, "it": true, "llc": true, "ltd": true,
	"of": true, "on": true, "or": true, "the": true, "to": true, "with": true,
}

// tokenize lowercases, strips punctuation, drops stopwords and applies a
// light suffix stemmer so "holdings" and "holding" land on the same term.
func tokenize(text string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		tokens = append(tokens, stem(f))
	}
	return tokens
}

func stem(word string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if strings.HasSuffix(word, suffix) && len(word)-len(suffix) >= 3 {
			return word[:len(word)-len(suffix)]
		}
	}
	return word
}

// terms expands a token sequence into word 1- to 3-grams.
func terms(tokens []string) []string {
	var out []string
	for n := 1; n <= maxNGram; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			out = append(out, strings.Join(tokens[i:i+n], " "))
		}
	}
	return out
}

func fit(accounts []Account) *fittedModel {
	model := &fittedModel{
		accounts: accounts,
		vocab:    make(map[string]int),
	}

	docTerms := make([][]string, len(accounts))
	docFreq := make(map[string]int)
	for i, account := range accounts {
		docTerms[i] = terms(tokenize(account.document()))
		seen := make(map[string]bool)
		for _, term := range docTerms[i] {
			if seen[term] {
				continue
			}
			seen[term] = true
			docFreq[term]++
			if _, ok := model.vocab[term]; !ok {
				model.vocab[term] = len(model.vocab)
			}
		}
	}

	model.idf = make([]float64, len(model.vocab))
	n := float64(len(accounts))
	for term, idx := range model.vocab {
		model.idf[idx] = math.Log((1+n)/(1+float64(docFreq[term]))) + 1
	}

	model.vectors = make([]sparseVector, len(accounts))
	for i := range accounts {
		model.vectors[i] = model.weigh(docTerms[i])
	}

	return model
}

// vectorize turns free text into a normalized TF-IDF vector over the fitted
// vocabulary. Terms unseen at fit time are ignored.
func (m *fittedModel) vectorize(text string) sparseVector {
	return m.weigh(terms(tokenize(text)))
}

func (m *fittedModel) weigh(termList []string) sparseVector {
	counts := make(map[int]float64)
	for _, term := range termList {
		if idx, ok := m.vocab[term]; ok {
			counts[idx]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	vec := make(sparseVector, len(counts))
	var norm float64
	for idx, count := range counts {
		w := count * m.idf[idx]
		vec[idx] = w
		norm += w * w
	}

	norm = math.Sqrt(norm)
	for idx := range vec {
		vec[idx] /= norm
	}
	return vec
}

// cosine computes the dot product of two normalized sparse vectors.
func cosine(a, b sparseVector) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for idx, w := range a {
		dot += w * b[idx]
	}
	return dot
}
