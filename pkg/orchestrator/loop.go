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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/atlashq/atlas/pkg/auth"
	"github.com/atlashq/atlas/pkg/capability"
	"github.com/atlashq/atlas/pkg/config"
	"github.com/atlashq/atlas/pkg/llm"
	"github.com/atlashq/atlas/pkg/observability"
	"github.com/atlashq/atlas/pkg/safety"
	"github.com/atlashq/atlas/pkg/store"
)

const defaultSystemPrompt = `You are an enterprise data assistant. You answer questions using the tools available to you.

Rules:
- Only state facts that come from tool results or the conversation.
- If the tools cannot answer the question, say so plainly.
- Never invent account names, numbers, or records.`

const injectDirective = "Use the tool results in the previous message to answer my original question. Reply to me directly; request more tools only if the results are insufficient."

const refusalMessage = "I don't have access to any data capabilities for your role, so I can't help with that request. Contact your administrator if you believe this is an error."

const timeoutMessage = "I wasn't able to finish this request within the allowed number of tool-calling rounds. Try narrowing the question or splitting it into smaller parts."

const failureMessage = "Something went wrong while generating a reply. Please try again."

// Dependencies are the collaborators the loop drives.
type Dependencies struct {
	LLM      llm.Client
	Registry *capability.Registry
	Loader   *capability.Loader
	Store    store.Store
	Filters  *safety.Chain
	Metrics  observability.Metrics
	Logger   *slog.Logger

	// Model labels LLM metrics.
	Model string

	// CacheTTL enables result caching for tool calls that carry a query
	// argument. Zero disables the cache. With CacheScope "caller+roles"
	// the caller's role list partitions the cache as well.
	CacheTTL   time.Duration
	CacheScope string
}

// Orchestrator runs chat requests. Safe for concurrent use; per-request
// state lives on the stack.
type Orchestrator struct {
	cfg  config.OrchestratorConfig
	deps Dependencies
}

// New creates an orchestrator. Nil Metrics and Logger get safe defaults.
func New(cfg config.OrchestratorConfig, deps Dependencies) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NoopMetrics{}
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	// errgroup.SetLimit(0) would block every Go call, so a zero-value
	// config must fall back to the documented default.
	if cfg.MaxParallelToolCalls <= 0 {
		cfg.MaxParallelToolCalls = 4
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Run processes one user message end to end: session handling, capability
// discovery, the plan/dispatch/inject loop, and turn persistence.
func (o *Orchestrator) Run(ctx context.Context, req Request, rbac *auth.Context) (*Result, error) {
	start := time.Now()

	ctx, span := observability.Tracer().Start(ctx, "orchestrator.run")
	defer span.End()

	sessionID, err := o.ensureSession(ctx, req.SessionID, rbac)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare session: %w", err)
	}

	accessible := o.deps.Registry.Accessible(rbac.Roles)
	if len(accessible) == 0 {
		o.deps.Logger.Info("no capabilities for caller, refusing",
			"caller", rbac.CallerID,
			"roles", rbac.Roles)
		result := &Result{
			Success:          false,
			Outcome:          OutcomeRefused,
			AssistantMessage: refusalMessage,
			FinalAnswer:      true,
			SessionID:        sessionID,
			Metadata:         Metadata{FinalPhase: phaseDiscover},
		}
		result.TurnID = o.persistTurn(ctx, sessionID, req.Message, refusalMessage, nil, start)
		o.deps.Metrics.RecordRequest(ctx, OutcomeRefused, 0, time.Since(start))
		return result, nil
	}

	tools, routes := o.discover(ctx, accessible)
	span.SetAttributes(
		attribute.Int("capabilities", len(accessible)),
		attribute.Int("tools", len(tools)),
	)

	messages := o.buildMessages(ctx, sessionID, req.Message)

	var executions []store.ExecutionRecord
	rounds := 0
	totalCalls := 0

	for {
		rounds++
		if rounds > o.cfg.MaxRounds {
			rounds = o.cfg.MaxRounds
			result := &Result{
				Success:          false,
				Outcome:          OutcomeTimeout,
				AssistantMessage: timeoutMessage,
				SessionID:        sessionID,
				Metadata:         Metadata{Rounds: rounds, TotalToolCalls: totalCalls, FinalPhase: phasePlan},
			}
			result.TurnID = o.persistTurn(ctx, sessionID, req.Message, timeoutMessage, executions, start)
			o.deps.Metrics.RecordRequest(ctx, OutcomeTimeout, rounds, time.Since(start))
			return result, nil
		}

		completion, err := o.complete(ctx, messages, tools)
		if err != nil {
			outcome := OutcomeFailed
			if ctx.Err() != nil {
				outcome = OutcomeDeadline
			}
			o.deps.Logger.Error("LLM round failed",
				"session", sessionID,
				"round", rounds,
				"outcome", outcome,
				"error", err)
			result := &Result{
				Success:          false,
				Outcome:          outcome,
				AssistantMessage: failureMessage,
				SessionID:        sessionID,
				Metadata:         Metadata{Rounds: rounds, TotalToolCalls: totalCalls, FinalPhase: phasePlan},
			}
			result.TurnID = o.persistTurn(ctx, sessionID, req.Message, failureMessage, nil, start)
			o.deps.Metrics.RecordRequest(ctx, outcome, rounds, time.Since(start))
			return result, nil
		}

		if len(completion.ToolCalls) == 0 {
			result := &Result{
				Success:          true,
				Outcome:          OutcomeDone,
				AssistantMessage: completion.Content,
				FinalAnswer:      true,
				SessionID:        sessionID,
				Metadata:         Metadata{Rounds: rounds, TotalToolCalls: totalCalls, FinalPhase: phasePlan},
			}
			result.TurnID = o.persistTurn(ctx, sessionID, req.Message, completion.Content, executions, start)
			o.deps.Metrics.RecordRequest(ctx, OutcomeDone, rounds, time.Since(start))
			return result, nil
		}

		dispatched := o.dispatch(ctx, completion.ToolCalls, routes, rbac)
		totalCalls += len(completion.ToolCalls)
		for _, d := range dispatched {
			executions = append(executions, d.record)
		}

		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: buildSummary(completion.Content, dispatched, o.cfg.SampleRowLimit)},
			llm.Message{Role: llm.RoleUser, Content: injectDirective},
		)
	}
}

func (o *Orchestrator) ensureSession(ctx context.Context, sessionID string, rbac *auth.Context) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
		err := o.deps.Store.CreateSession(ctx, &store.Session{
			ID:       sessionID,
			CallerID: rbac.CallerID,
			TenantID: rbac.TenantID,
		})
		if err != nil {
			return "", err
		}
		return sessionID, nil
	}

	_, err := o.deps.Store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		err = o.deps.Store.CreateSession(ctx, &store.Session{
			ID:       sessionID,
			CallerID: rbac.CallerID,
			TenantID: rbac.TenantID,
		})
	}
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// discover loads clients and builds the namespaced tool catalog. A
// capability that fails discovery is simply absent from the catalog.
func (o *Orchestrator) discover(ctx context.Context, accessible []string) ([]llm.ToolDefinition, map[string]capability.Route) {
	ctx, span := observability.Tracer().Start(ctx, "orchestrator.discover")
	defer span.End()

	if err := o.deps.Loader.Load(accessible); err != nil {
		o.deps.Logger.Error("capability load failed", "error", err)
	}

	catalogs := o.deps.Loader.Discover(ctx, accessible)
	descriptors, routes := capability.BuildCatalog(catalogs, o.deps.Logger)

	tools := make([]llm.ToolDefinition, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return tools, routes
}

// buildMessages splices the system prompt, recent history and the current
// user message into the model's message log.
func (o *Orchestrator) buildMessages(ctx context.Context, sessionID, userMessage string) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: o.cfg.SystemPrompt}}

	turns, err := o.deps.Store.RecentTurns(ctx, sessionID, o.cfg.HistoryTurns)
	if err != nil {
		o.deps.Logger.Warn("failed to load history, continuing without",
			"session", sessionID,
			"error", err)
	}
	for _, turn := range turns {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: turn.UserMessage},
			llm.Message{Role: llm.RoleAssistant, Content: turn.AssistantMessage},
		)
	}

	return append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage})
}

func (o *Orchestrator) complete(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (*llm.Completion, error) {
	ctx, span := observability.Tracer().Start(ctx, "orchestrator.plan")
	defer span.End()

	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout.Duration())
	defer cancel()

	start := time.Now()
	completion, err := o.deps.LLM.Complete(llmCtx, messages, tools)

	tokens := 0
	if completion != nil {
		tokens = completion.Tokens
	}
	o.deps.Metrics.RecordLLMCall(ctx, o.deps.Model, time.Since(start), tokens, err)

	return completion, err
}

// dispatch screens and executes one round of tool calls. Results come back
// in the order the model emitted the calls regardless of completion order.
func (o *Orchestrator) dispatch(ctx context.Context, toolCalls []llm.ToolCall, routes map[string]capability.Route, rbac *auth.Context) []dispatchResult {
	ctx, span := observability.Tracer().Start(ctx, "orchestrator.dispatch")
	defer span.End()
	span.SetAttributes(attribute.Int("tool_calls", len(toolCalls)))

	results := make([]dispatchResult, len(toolCalls))
	pending := make([]*safety.PendingCall, len(toolCalls))

	for i, tc := range toolCalls {
		results[i].call = tc

		route, ok := routes[tc.Name]
		if !ok {
			o.deps.Logger.Warn("model requested unknown tool, skipping", "tool", tc.Name)
			results[i].record = store.ExecutionRecord{
				Tool:    tc.Name,
				Error:   fmt.Sprintf("unknown tool %q", tc.Name),
				CallID:  tc.ID,
				Success: false,
			}
			continue
		}

		results[i].route = route
		pending[i] = &safety.PendingCall{
			Capability: route.Capability,
			Tool:       route.Tool,
			Args:       parseArguments(tc.Arguments, o.deps.Logger),
		}
	}

	o.screen(results, pending)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallelToolCalls)

	for i := range toolCalls {
		if pending[i] == nil || results[i].record.Error != "" {
			continue
		}
		g.Go(func() error {
			o.execute(gctx, &results[i], pending[i], rbac)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// screen applies the safety chain. A blocked call gets a failed record and
// never dispatches; the rest of the round proceeds.
func (o *Orchestrator) screen(results []dispatchResult, pending []*safety.PendingCall) {
	if o.deps.Filters == nil {
		return
	}

	screened := make([]*safety.PendingCall, 0, len(pending))
	indexes := make([]int, 0, len(pending))
	for i, p := range pending {
		if p != nil {
			screened = append(screened, p)
			indexes = append(indexes, i)
		}
	}

	verdicts := o.deps.Filters.Screen(screened)
	for j, verdict := range verdicts {
		if verdict == nil {
			continue
		}
		i := indexes[j]
		o.deps.Logger.Warn("tool call blocked",
			"capability", screened[j].Capability,
			"tool", screened[j].Tool,
			"reason", verdict)
		results[i].record = store.ExecutionRecord{
			Capability: screened[j].Capability,
			Tool:       screened[j].Tool,
			Error:      verdict.Error(),
			CallID:     results[i].call.ID,
			Success:    false,
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, dr *dispatchResult, call *safety.PendingCall, rbac *auth.Context) {
	toolCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout.Duration())
	defer cancel()

	cacheKey := o.cacheKey(dr.route, call.Args, rbac)
	if cacheKey != "" {
		if cached := o.cachedResult(toolCtx, cacheKey); cached != nil {
			dr.result = cached
			dr.record = store.ExecutionRecord{
				Capability: dr.route.Capability,
				Tool:       dr.route.Tool,
				Success:    true,
				RowCount:   cached.RowCount,
				SampleRows: clampRows(cached.SampleRows, o.cfg.SampleRowLimit),
				Truncated:  call.Truncated,
				Cached:     true,
				CallID:     dr.call.ID,
			}
			return
		}
	}

	start := time.Now()
	result, err := o.deps.Loader.CallTool(toolCtx, dr.route, call.Args, rbac)
	duration := time.Since(start)

	o.deps.Metrics.RecordToolCall(ctx, dr.route.Capability, dr.route.Tool, duration, err)

	record := store.ExecutionRecord{
		Capability: dr.route.Capability,
		Tool:       dr.route.Tool,
		Duration:   duration,
		Truncated:  call.Truncated,
		CallID:     dr.call.ID,
	}

	switch {
	case err != nil:
		record.Error = err.Error()
	case !result.Success:
		record.Error = result.Error
		record.RowCount = result.RowCount
	default:
		record.Success = true
		record.RowCount = result.RowCount
		record.SampleRows = clampRows(result.SampleRows, o.cfg.SampleRowLimit)
		if cacheKey != "" {
			o.cacheResult(toolCtx, cacheKey, result)
		}
	}

	dr.result = result
	dr.record = record
}

// cacheKey derives the cache partition for a tool call, or "" when the call
// is not cacheable. Only calls carrying a query argument are cached; their
// results are deterministic for a fixed identity and scope.
func (o *Orchestrator) cacheKey(route capability.Route, args map[string]interface{}, rbac *auth.Context) string {
	if o.deps.CacheTTL <= 0 {
		return ""
	}
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return ""
	}
	return store.CacheKey(query, rbac.CallerID, rbac.TenantID,
		route.Capability+"."+route.Tool, rbac.Roles, o.deps.CacheScope == "caller+roles")
}

func (o *Orchestrator) cachedResult(ctx context.Context, key string) *capability.ExecutionResult {
	encoded, err := o.deps.Store.CacheGet(ctx, key)
	if err != nil {
		o.deps.Metrics.RecordCacheLookup(ctx, false)
		return nil
	}

	var result capability.ExecutionResult
	if err := json.Unmarshal(encoded, &result); err != nil {
		o.deps.Logger.Warn("discarding undecodable cache entry", "error", err)
		o.deps.Metrics.RecordCacheLookup(ctx, false)
		return nil
	}
	o.deps.Metrics.RecordCacheLookup(ctx, true)
	return &result
}

func (o *Orchestrator) cacheResult(ctx context.Context, key string, result *capability.ExecutionResult) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := o.deps.Store.CachePut(ctx, key, encoded, o.deps.CacheTTL); err != nil {
		o.deps.Logger.Warn("failed to cache tool result", "error", err)
	}
}

func (o *Orchestrator) persistTurn(ctx context.Context, sessionID, userMessage, assistantMessage string, executions []store.ExecutionRecord, start time.Time) int {
	now := time.Now()
	turnID, err := o.deps.Store.AppendTurn(ctx, sessionID, &store.Turn{
		UserMessage:      userMessage,
		AssistantMessage: assistantMessage,
		Executions:       executions,
		StartedAt:        start,
		CompletedAt:      now,
		TotalDuration:    now.Sub(start),
	})
	if err != nil {
		o.deps.Logger.Error("failed to persist turn", "session", sessionID, "error", err)
		return 0
	}
	return turnID
}

// parseArguments decodes the model's argument blob tolerantly: anything
// that does not parse becomes an empty argument map so the capability
// server can report the real schema problem.
func parseArguments(raw string, logger *slog.Logger) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		logger.Warn("unparsable tool arguments, using empty set", "error", err)
		return map[string]interface{}{}
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args
}

func clampRows(rows []map[string]interface{}, limit int) []map[string]interface{} {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
