// Package tools implements the permissioned tool registry the reasoning
// loop invokes. Every operation is a named Tool with an input schema, a
// required permission level, and a structured result; failures are reported
// in the result, never thrown past the registry.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/store"
)

// Permission is an ordered access level. A caller holding any level at or
// above a tool's requirement passes the check.
type Permission int

const (
	PermRead Permission = iota
	PermWrite
	PermExecute
	PermAdmin
)

// String renders the level for results and logs.
func (p Permission) String() string {
	switch p {
	case PermRead:
		return "READ"
	case PermWrite:
		return "WRITE"
	case PermExecute:
		return "EXECUTE"
	case PermAdmin:
		return "ADMIN"
	default:
		return "UNKNOWN"
	}
}

// Context carries the caller identity and shared resources into a tool.
type Context struct {
	UserID      string
	Permissions []Permission
	Preflight   *store.Preflight
	GitHubToken string
	Store       *store.Store
	LLM         *llm.Client
	Logger      *slog.Logger
}

func (c *Context) logger() *slog.Logger {
	if c != nil && c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// allows reports whether the caller clears the required level.
func (c *Context) allows(required Permission) bool {
	if c == nil {
		return required == PermRead
	}
	if len(c.Permissions) == 0 {
		return required == PermRead
	}
	for _, p := range c.Permissions {
		if p >= required {
			return true
		}
	}
	return false
}

// Result is the structured outcome of one tool execution.
type Result struct {
	Success    bool           `json:"success"`
	Data       any            `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	TokenUsage int            `json:"token_usage,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Tool is a named, permissioned operation.
type Tool struct {
	Name               string
	Description        string
	InputSchema        map[string]any
	RequiredPermission Permission
	Execute            func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error)
}

// Call is one entry in a batch execution request.
type Call struct {
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	Priority int             `json:"priority"`
}

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds one tool, replacing any previous registration of the name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
}

// RegisterMany adds a set of tools.
func (r *Registry) RegisterMany(ts []*Tool) {
	for _, t := range ts {
		r.Register(t)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools a caller with the given permissions may invoke,
// sorted by name. A nil permission slice lists READ tools only.
func (r *Registry) List(perms []Permission) []*Tool {
	tc := &Context{Permissions: perms}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Tool
	for _, t := range r.tools {
		if tc.allows(t.RequiredPermission) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a named tool with the permission check and wall-clock timing
// applied. Unknown tools and permission denials come back as failed Results,
// not errors; the returned error is reserved for tool panics escaping as
// errors the loop should recover from.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, tc *Context) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("unknown tool %q", name)}
	}
	if !tc.allows(tool.RequiredPermission) {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("permission denied: %s requires %s", name, tool.RequiredPermission),
		}
	}

	start := time.Now()
	res, err := tool.Execute(ctx, input, tc)
	elapsed := time.Since(start)

	if err != nil {
		res = &Result{Success: false, Error: err.Error()}
	}
	if res == nil {
		res = &Result{Success: false, Error: fmt.Sprintf("tool %s returned no result", name)}
	}
	if res.Metadata == nil {
		res.Metadata = make(map[string]any)
	}
	res.Metadata["duration_ms"] = elapsed.Milliseconds()

	tc.logger().Debug("tool executed",
		"tool", name, "success", res.Success, "duration_ms", elapsed.Milliseconds())
	return res
}

// ExecuteParallel runs a batch of calls grouped by priority: groups execute
// in ascending priority order, calls inside a group run concurrently. The
// result map is keyed by tool name.
func (r *Registry) ExecuteParallel(ctx context.Context, calls []Call, tc *Context) map[string]*Result {
	groups := make(map[int][]Call)
	for _, c := range calls {
		groups[c.Priority] = append(groups[c.Priority], c)
	}
	priorities := make([]int, 0, len(groups))
	for p := range groups {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	results := make(map[string]*Result, len(calls))
	var mu sync.Mutex

	for _, p := range priorities {
		g, gctx := errgroup.WithContext(ctx)
		for _, call := range groups[p] {
			g.Go(func() error {
				res := r.Execute(gctx, call.Name, call.Input, tc)
				mu.Lock()
				results[call.Name] = res
				mu.Unlock()
				return nil
			})
		}
		// Tool failures land in their Results; the group error is unused.
		_ = g.Wait()
	}
	return results
}
