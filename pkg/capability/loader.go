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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/atlashq/atlas/pkg/auth"
)

// Route maps a prefixed tool name back to its capability and bare tool name.
type Route struct {
	Capability string
	Tool       string
}

// Loader owns the pool of capability clients for the process lifetime and
// caches each capability's tool catalog.
//
// The pool is read-mostly: it is mutated on Load (guarded by a mutex) and
// CloseAll at shutdown. Catalog discovery uses single-flight semantics per
// capability, so concurrent requests coalesce to one fetch. No lock is held
// across an I/O call.
type Loader struct {
	registry *Registry
	opts     []ClientOption
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	catalog map[string][]ToolDescriptor

	sf singleflight.Group
}

// NewLoader creates a loader over the given registry. Client options apply
// to every client the loader creates.
func NewLoader(registry *Registry, logger *slog.Logger, opts ...ClientOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry: registry,
		opts:     opts,
		logger:   logger,
		clients:  make(map[string]*Client),
		catalog:  make(map[string][]ToolDescriptor),
	}
}

// Load ensures a client exists for each named capability. Idempotent.
func (l *Loader) Load(names []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, name := range names {
		if _, ok := l.clients[name]; ok {
			continue
		}
		desc, ok := l.registry.Descriptor(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCapability, name)
		}
		l.clients[name] = NewClient(desc, l.opts...)
	}

	return nil
}

// Client returns the pooled client for a capability.
func (l *Loader) Client(name string) (*Client, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	client, ok := l.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (not loaded)", ErrUnknownCapability, name)
	}
	return client, nil
}

// Discover fetches and caches the tool catalog for each named capability.
// Discovery across capabilities runs in parallel; concurrent discoveries of
// the same capability coalesce. A capability whose discovery fails is
// dropped from the result and logged; the request proceeds with the rest.
func (l *Loader) Discover(ctx context.Context, names []string) map[string][]ToolDescriptor {
	results := make(map[string][]ToolDescriptor, len(names))
	var resultsMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			tools, err := l.discoverOne(ctx, name)
			if err != nil {
				l.logger.Warn("tool discovery failed",
					"capability", name,
					"error", err)
				return nil
			}
			resultsMu.Lock()
			results[name] = tools
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (l *Loader) discoverOne(ctx context.Context, name string) ([]ToolDescriptor, error) {
	l.mu.RLock()
	cached, ok := l.catalog[name]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	tools, err, _ := l.sf.Do(name, func() (interface{}, error) {
		client, err := l.Client(name)
		if err != nil {
			return nil, err
		}

		fetched, err := client.ListTools(ctx)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.catalog[name] = fetched
		l.mu.Unlock()

		return fetched, nil
	})
	if err != nil {
		return nil, err
	}

	return tools.([]ToolDescriptor), nil
}

// Refresh drops the cached catalog for the named capabilities (all when
// names is empty), forcing the next Discover to re-fetch.
func (l *Loader) Refresh(names ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(names) == 0 {
		l.catalog = make(map[string][]ToolDescriptor)
		return
	}
	for _, name := range names {
		delete(l.catalog, name)
	}
}

// CallTool dispatches a routed tool call through the pooled client. A
// schema-mismatch error invalidates the capability's cached catalog so the
// next round re-discovers.
func (l *Loader) CallTool(ctx context.Context, route Route, args map[string]interface{}, rbac *auth.Context) (*ExecutionResult, error) {
	client, err := l.Client(route.Capability)
	if err != nil {
		return nil, err
	}

	result, err := client.CallTool(ctx, route.Tool, args, rbac)
	if errors.Is(err, ErrSchemaMismatch) {
		l.logger.Warn("schema mismatch, invalidating tool cache",
			"capability", route.Capability,
			"tool", route.Tool)
		l.Refresh(route.Capability)
	}
	return result, err
}

// CloseAll releases all pooled clients and cached catalogs.
func (l *Loader) CloseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.clients = make(map[string]*Client)
	l.catalog = make(map[string][]ToolDescriptor)
}

// BuildCatalog namespaces per-capability tool catalogs into a single list of
// prefixed tools plus the reverse map used for dispatch.
//
// Capabilities are walked in sorted order so the catalog presented to the
// LLM is deterministic. Two capabilities advertising the same bare tool name
// both appear, under distinct prefixes. A duplicate within one capability is
// dropped, keeping the first occurrence, so the catalog never presents two
// tools with the same prefixed name.
func BuildCatalog(catalogs map[string][]ToolDescriptor, logger *slog.Logger) ([]ToolDescriptor, map[string]Route) {
	if logger == nil {
		logger = slog.Default()
	}

	names := make([]string, 0, len(catalogs))
	for name := range catalogs {
		names = append(names, name)
	}
	sort.Strings(names)

	var tools []ToolDescriptor
	routes := make(map[string]Route)

	for _, capName := range names {
		for _, tool := range catalogs[capName] {
			prefixed := PrefixedName(capName, tool.Name)
			if _, exists := routes[prefixed]; exists {
				logger.Warn("duplicate tool within capability, keeping first",
					"capability", capName,
					"tool", tool.Name)
				continue
			}
			namespaced := tool
			namespaced.Name = prefixed
			tools = append(tools, namespaced)
			routes[prefixed] = Route{Capability: capName, Tool: tool.Name}
		}
	}

	return tools, routes
}
