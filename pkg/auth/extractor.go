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

package auth

import (
	"fmt"
	"log/slog"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/atlashq/atlas/pkg/config"
)

// Extractor turns an opaque caller token into an RBAC Context.
//
// In development mode it returns a fixed admin context and never inspects
// the token. In production mode it decodes the token's claim set without
// verifying the signature (the edge gateway already did) and maps claims to
// identity fields. Extraction never fails: a missing or unparsable token
// degrades to an anonymous readonly context with a warning.
type Extractor struct {
	mode   config.Mode
	logger *slog.Logger
}

// NewExtractor creates an extractor for the given deployment mode.
// An unconfigured mode is the only fatal condition.
func NewExtractor(mode config.Mode, logger *slog.Logger) (*Extractor, error) {
	switch mode {
	case config.ModeDevelopment, config.ModeProduction:
	default:
		return nil, fmt.Errorf("auth: mode is unconfigured or invalid: %q", mode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{mode: mode, logger: logger}, nil
}

// Extract builds the RBAC Context for a request.
func (e *Extractor) Extract(token string) *Context {
	if e.mode == config.ModeDevelopment {
		return development()
	}

	if token == "" {
		return warnAnonymous(e.logger, "missing token", nil)
	}

	// Signature verification is assumed to have occurred upstream; decode
	// the claim set only.
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return warnAnonymous(e.logger, "unparsable token", err)
	}

	rbac := &Context{}

	if email := stringClaim(parsed, "email"); email != "" {
		rbac.CallerID = email
	} else if upn := stringClaim(parsed, "upn"); upn != "" {
		rbac.CallerID = upn
	} else {
		rbac.CallerID = parsed.Subject()
	}
	if rbac.CallerID == "" {
		return warnAnonymous(e.logger, "token carries no caller identity", nil)
	}

	rbac.TenantID = stringClaim(parsed, "tid")
	rbac.ObjectID = stringClaim(parsed, "oid")
	rbac.Roles = rolesClaim(parsed)

	for _, role := range rbac.Roles {
		if role == "admin" {
			rbac.Admin = true
			break
		}
	}
	if rbac.Admin {
		rbac.Scope = AccessScope{AllEntities: true}
	} else {
		rbac.Scope = scopeClaim(parsed)
	}

	return rbac
}

func stringClaim(token jwt.Token, name string) string {
	if val, ok := token.Get(name); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// rolesClaim reads "roles", which identity providers emit either as a single
// string or a list.
func rolesClaim(token jwt.Token) []string {
	val, ok := token.Get("roles")
	if !ok {
		return nil
	}

	switch v := val.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	default:
		return nil
	}
}

// scopeClaim reads an optional "access_scope" claim emitted by the edge:
// {"all_entities": bool, "entity_ids": [...], "owned_only": bool}.
func scopeClaim(token jwt.Token) AccessScope {
	val, ok := token.Get("access_scope")
	if !ok {
		return AccessScope{}
	}

	m, ok := val.(map[string]interface{})
	if !ok {
		return AccessScope{}
	}

	scope := AccessScope{}
	if all, ok := m["all_entities"].(bool); ok {
		scope.AllEntities = all
	}
	if owned, ok := m["owned_only"].(bool); ok {
		scope.OwnedOnly = owned
	}
	if ids, ok := m["entity_ids"].([]interface{}); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				scope.EntityIDs = append(scope.EntityIDs, s)
			}
		}
	}

	return scope
}
