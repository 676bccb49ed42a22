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

// Package auth builds the RBAC context attached to every downstream call.
//
// Token signature validation happens upstream at the edge; this package only
// decodes the claim set. Capability servers re-derive authorization from the
// forwarded RBAC context and never trust LLM-produced arguments for identity.
package auth

import (
	"context"
	"log/slog"
	"slices"
)

// AccessScope is the subset of entities a caller may see.
//
// When AllEntities is true, EntityIDs is informational only. OwnedOnly can
// combine with a non-empty EntityIDs.
type AccessScope struct {
	AllEntities bool     `json:"all_entities"`
	EntityIDs   []string `json:"entity_ids,omitempty"`
	OwnedOnly   bool     `json:"owned_only,omitempty"`
}

// Allows reports whether the scope permits access to the given entity.
func (s AccessScope) Allows(entityID string) bool {
	if s.AllEntities {
		return true
	}
	return slices.Contains(s.EntityIDs, entityID)
}

// Context is the caller's identity, roles and access scope. It is immutable
// for the lifetime of a request.
type Context struct {
	CallerID string      `json:"caller_id"`
	TenantID string      `json:"tenant_id"`
	ObjectID string      `json:"object_id,omitempty"`
	Roles    []string    `json:"roles"`
	Admin    bool        `json:"admin"`
	Scope    AccessScope `json:"access_scope"`
}

// HasRole checks if the caller has a specific role.
func (c *Context) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const rbacContextKey contextKey = "atlas_rbac_context"

// FromContext extracts the RBAC context from a context.Context.
// Returns nil if none is present.
func FromContext(ctx context.Context) *Context {
	if rbac, ok := ctx.Value(rbacContextKey).(*Context); ok {
		return rbac
	}
	return nil
}

// NewContext returns a context.Context carrying the given RBAC context.
func NewContext(ctx context.Context, rbac *Context) context.Context {
	return context.WithValue(ctx, rbacContextKey, rbac)
}

// anonymous is the fallback context when a token is missing or unparsable.
func anonymous() *Context {
	return &Context{
		CallerID: "anonymous",
		Roles:    []string{"readonly"},
		Admin:    false,
	}
}

// development is the fixed context used when mode=development.
func development() *Context {
	return &Context{
		CallerID: "dev",
		TenantID: "dev",
		Roles:    []string{"admin"},
		Admin:    true,
		Scope:    AccessScope{AllEntities: true},
	}
}

func warnAnonymous(logger *slog.Logger, reason string, err error) *Context {
	if err != nil {
		logger.Warn("falling back to anonymous RBAC context", "reason", reason, "error", err)
	} else {
		logger.Warn("falling back to anonymous RBAC context", "reason", reason)
	}
	return anonymous()
}
