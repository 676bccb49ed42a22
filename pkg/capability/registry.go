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

package capability

import (
	"sort"

	"github.com/atlashq/atlas/pkg/config"
)

// Descriptor identifies one capability server. Loaded once from
// configuration at startup; never mutated.
type Descriptor struct {
	Name       string
	URL        string
	Credential string
}

// Registry maps capability names to endpoints and roles to permitted
// capability sets. Read-only after construction.
type Registry struct {
	descriptors map[string]Descriptor
	roleCaps    map[string][]string
	adminRoles  map[string]bool
	allNames    []string
}

// NewRegistry builds a registry from configuration. Admin bypass applies
// only to roles listed in adminRoles; the string "admin" has no implicit
// meaning here.
func NewRegistry(caps map[string]config.CapabilityConfig, roleCaps map[string][]string, adminRoles []string) *Registry {
	r := &Registry{
		descriptors: make(map[string]Descriptor, len(caps)),
		roleCaps:    make(map[string][]string, len(roleCaps)),
		adminRoles:  make(map[string]bool, len(adminRoles)),
	}

	for name, cfg := range caps {
		r.descriptors[name] = Descriptor{
			Name:       name,
			URL:        cfg.URL,
			Credential: cfg.Credential(),
		}
		r.allNames = append(r.allNames, name)
	}
	sort.Strings(r.allNames)

	for role, names := range roleCaps {
		r.roleCaps[role] = append([]string(nil), names...)
	}
	for _, role := range adminRoles {
		r.adminRoles[role] = true
	}

	return r
}

// Descriptor returns the endpoint for a capability name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// All returns every registered capability name, sorted.
func (r *Registry) All() []string {
	return append([]string(nil), r.allNames...)
}

// Accessible returns the union of capability sets permitted to the caller's
// roles, sorted for determinism. A role configured as an admin role
// short-circuits to the full set.
func (r *Registry) Accessible(roles []string) []string {
	seen := make(map[string]bool)

	for _, role := range roles {
		if r.adminRoles[role] {
			return r.All()
		}
		for _, name := range r.roleCaps[role] {
			if _, ok := r.descriptors[name]; ok {
				seen[name] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
