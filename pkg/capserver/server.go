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

// Package capserver is a reference capability server: a JSON-RPC endpoint
// exposing a read-only SQL tool over SQLite, enforcing the forwarded RBAC
// context row by row. It doubles as the contract test bed for the
// orchestrator's capability client.
package capserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atlashq/atlas/pkg/auth"
	"github.com/atlashq/atlas/pkg/capability"
	"github.com/atlashq/atlas/pkg/resolver"
)

// JSON-RPC error codes used by the protocol.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

const defaultSampleLimit = 5

// Server answers tools/list and tools/call for one SQL-backed capability.
type Server struct {
	db          *sql.DB
	resolver    *resolver.Resolver
	logger      *slog.Logger
	sampleLimit int
	blocklist   []string
}

// Option configures a Server.
type Option func(*Server)

// WithSampleLimit overrides the number of sample rows echoed per result.
func WithSampleLimit(n int) Option {
	return func(s *Server) { s.sampleLimit = n }
}

// WithBlocklist sets the dangerous-statement patterns rejected before
// execution, matched case-insensitively.
func WithBlocklist(patterns []string) Option {
	return func(s *Server) { s.blocklist = patterns }
}

// New creates a capability server over an open database. The resolver is
// optional; without it account mentions pass through unresolved.
func New(db *sql.DB, accountResolver *resolver.Resolver, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:          db,
		resolver:    accountResolver,
		logger:      logger,
		sampleLimit: defaultSampleLimit,
		blocklist: []string{
			"drop ", "delete ", "update ", "insert ", "alter ",
			"create ", "truncate ", "grant ", "revoke ", "attach ", "pragma ",
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint at /.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handleRPC)
	return r
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	RBAC      *auth.Context          `json:"rbac_context"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error"},
		})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": s.catalog()}
	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "invalid params"}
			break
		}
		result, rpcErr := s.callTool(r.Context(), params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}

	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) catalog() []capability.ToolDescriptor {
	return []capability.ToolDescriptor{
		{
			Name:        "query_sql",
			Description: "Run a read-only SQL SELECT against the account database. Mention account names in accounts_mentioned to have them resolved to canonical records.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "A single SELECT statement.",
					},
					"accounts_mentioned": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Free-text account names referenced by the user.",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

func (s *Server) callTool(ctx context.Context, params callParams) (*capability.ExecutionResult, *rpcError) {
	if params.Name != "query_sql" {
		return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("unknown tool %q", params.Name)}
	}
	if params.RBAC == nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "rbac_context is required"}
	}

	query, ok := params.Arguments["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "query is required"}
	}

	result := &capability.ExecutionResult{Source: "sql", QueryEcho: query}

	if err := s.validateStatement(query); err != nil {
		result.Error = err.Error()
		return result, nil
	}

	result.ResolvedAccounts = s.resolveMentions(params.Arguments, params.RBAC)

	scoped, args, err := s.scopeQuery(ctx, query, params.RBAC)
	if err != nil {
		s.logger.Warn("failed to scope query, returning no rows",
			"caller", params.RBAC.CallerID,
			"error", err)
		result.Success = true
		return result, nil
	}

	columns, rows, err := s.runQuery(ctx, scoped, args)
	if err != nil {
		if len(args) > 0 {
			// The scoping wrap failed, often because the statement exposes
			// no account_id column. Returning rows unfiltered is never an
			// option, so the caller gets none.
			s.logger.Warn("scoped query failed, returning no rows",
				"caller", params.RBAC.CallerID,
				"error", err)
			result.Success = true
			return result, nil
		}
		result.Error = err.Error()
		return result, nil
	}

	result.Success = true
	result.Columns = columns
	result.RowCount = len(rows)
	result.Data = rows
	if len(rows) > s.sampleLimit {
		result.SampleRows = rows[:s.sampleLimit]
	} else {
		result.SampleRows = rows
	}

	return result, nil
}

// validateStatement admits a single SELECT and rejects anything matching the
// dangerous-statement blocklist.
func (s *Server) validateStatement(query string) error {
	trimmed := strings.ToLower(strings.TrimSpace(query))
	if !strings.HasPrefix(trimmed, "select") && !strings.HasPrefix(trimmed, "with") {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	for _, pattern := range s.blocklist {
		if strings.Contains(trimmed, pattern) {
			return fmt.Errorf("statement rejected: contains %q", strings.TrimSpace(pattern))
		}
	}
	if strings.Count(query, ";") > 1 || (strings.Contains(query, ";") && !strings.HasSuffix(strings.TrimSpace(query), ";")) {
		return fmt.Errorf("multiple statements are not allowed")
	}
	return nil
}

// resolveMentions maps free-text account mentions to canonical records,
// honoring the caller's scope. Ambiguous mentions list their candidates so
// the model can ask the user to disambiguate.
func (s *Server) resolveMentions(arguments map[string]interface{}, rbac *auth.Context) []string {
	if s.resolver == nil {
		return nil
	}
	raw, ok := arguments["accounts_mentioned"].([]interface{})
	if !ok {
		return nil
	}

	var resolved []string
	for _, item := range raw {
		mention, ok := item.(string)
		if !ok || mention == "" {
			continue
		}
		res := s.resolver.Resolve(mention, rbac)
		switch {
		case res.Confident != nil:
			resolved = append(resolved, fmt.Sprintf("%s -> %s (%s)",
				mention, res.Confident.Account.Name, res.Confident.Account.ID))
		case len(res.Candidates) > 0:
			names := make([]string, 0, len(res.Candidates))
			for _, c := range res.Candidates {
				names = append(names, c.Account.Name)
			}
			resolved = append(resolved, fmt.Sprintf("%s -> ambiguous: %s",
				mention, strings.Join(names, ", ")))
		default:
			resolved = append(resolved, fmt.Sprintf("%s -> no match in scope", mention))
		}
	}
	return resolved
}

// scopeQuery wraps the statement so only rows for accounts the caller may
// see come back. Full-access callers run the statement untouched.
func (s *Server) scopeQuery(ctx context.Context, query string, rbac *auth.Context) (string, []interface{}, error) {
	if rbac.Scope.AllEntities {
		return query, nil, nil
	}

	allowed := append([]string(nil), rbac.Scope.EntityIDs...)
	if rbac.Scope.OwnedOnly {
		owned, err := s.ownedAccountIDs(ctx, rbac.CallerID)
		if err != nil {
			return "", nil, err
		}
		allowed = append(allowed, owned...)
	}
	if len(allowed) == 0 {
		// No wrap can help: the caller sees nothing.
		return "", nil, fmt.Errorf("caller %s has no accounts in scope", rbac.CallerID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowed)), ",")
	wrapped := fmt.Sprintf("SELECT * FROM (%s) WHERE account_id IN (%s)",
		strings.TrimSuffix(strings.TrimSpace(query), ";"), placeholders)

	args := make([]interface{}, len(allowed))
	for i, id := range allowed {
		args[i] = id
	}
	return wrapped, args, nil
}

func (s *Server) ownedAccountIDs(ctx context.Context, callerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM accounts WHERE owner_id = ?", callerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Server) runQuery(ctx context.Context, query string, args []interface{}) ([]string, []map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}

	return columns, out, rows.Err()
}
