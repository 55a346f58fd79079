// Package orchestrator runs the THINK/ACT/OBSERVE reasoning loop: the model
// thinks in tags, the registry acts, observations feed the next turn. The
// loop is task-agnostic; callers shape it with the task text and the tool
// permissions they grant.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/store"
	"github.com/repolens-dev/repolens/internal/tools"
)

const (
	defaultMaxIterations = 50

	// observationLimit bounds how much of a tool result is replayed into the
	// next prompt. Full outputs stay in the persisted steps.
	observationLimit = 4000
)

// ErrHumanNeeded is returned when the model asks for human intervention. The
// session is left paused so a person can resume or kill it.
var ErrHumanNeeded = errors.New("orchestrator: human intervention required")

// Options tune one loop run.
type Options struct {
	MaxIterations int    // 0 means the default of 50
	Budget        string // thinking budget alias, resolved per call
	Persist       bool   // write session, steps, and checkpoints through the store
	UserID        string

	// MemoryFallback keeps a persisted run alive when a store write fails:
	// the failure is logged and the run continues with in-memory state only.
	// When unset, a persistence failure fails the run.
	MemoryFallback bool
}

// Event is one progress notification, emitted as the loop works.
type Event struct {
	Type     string `json:"type"` // reasoning, tool_result, complete, human_needed, error
	Step     int    `json:"step"`
	Thinking string `json:"thinking,omitempty"`
	Tool     string `json:"tool,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Outcome is the final state of a finished run.
type Outcome struct {
	SessionID   string `json:"session_id"`
	Answer      string `json:"answer"`
	Steps       int    `json:"steps"`
	TotalTokens int    `json:"total_tokens"`
}

// Loop wires the model, the tool registry, and optional persistence.
type Loop struct {
	registry *tools.Registry
	client   *llm.Client
	store    *store.Store
	logger   *slog.Logger
}

// New creates a Loop. store may be nil; runs then keep their steps in memory
// only.
func New(registry *tools.Registry, client *llm.Client, st *store.Store, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{registry: registry, client: client, store: st, logger: logger}
}

// Run executes the loop until the model completes, fails, asks for a human,
// or the iteration cap is reached. onEvent may be nil.
func (l *Loop) Run(ctx context.Context, task string, tc *tools.Context, opts Options, onEvent func(Event)) (*Outcome, error) {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	budget := llm.ResolveBudget(opts.Budget)
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	persist := opts.Persist && l.store != nil

	sessionID := uuid.New().String()
	if persist {
		sess, err := l.store.CreateSession(task, opts.UserID, nil)
		switch {
		case err == nil:
			sessionID = sess.ID
		case opts.MemoryFallback:
			l.logger.Warn("session persistence unavailable, continuing in memory", "error", err)
			persist = false
		default:
			return nil, fmt.Errorf("orchestrator: create session: %w", err)
		}
	}

	// record persists one step; without the memory fallback a failed write
	// fails the run.
	record := func(step int, reasoning, tool string, input, output json.RawMessage, tokens int) error {
		if !persist {
			return nil
		}
		if _, err := l.store.AppendStep(sessionID, reasoning, tool, input, output, tokens); err != nil {
			if !opts.MemoryFallback {
				return fmt.Errorf("orchestrator: persist step %d: %w", step, err)
			}
			l.logger.Warn("failed to persist reasoning step", "session_id", sessionID, "error", err)
		}
		return nil
	}

	system := l.systemPrompt(tc)
	var transcript strings.Builder
	var pendingNote string
	lastSuccessfulTool := ""
	totalTokens := 0

	for step := 1; step <= maxIter; step++ {
		if err := ctx.Err(); err != nil {
			l.finishSession(persist, sessionID, store.SessionFailed)
			return nil, fmt.Errorf("orchestrator: run cancelled: %w", err)
		}

		user := l.userPrompt(task, transcript.String(), pendingNote)
		pendingNote = ""

		raw, usage, err := l.client.Complete(ctx, system, user, budget)
		if err != nil {
			l.finishSession(persist, sessionID, store.SessionFailed)
			return nil, fmt.Errorf("orchestrator: completion at step %d: %w", step, err)
		}
		totalTokens += usage.TotalTokens

		d := ParseDecision(raw)
		onEvent(Event{Type: "reasoning", Step: step, Thinking: d.Thinking})

		switch {
		case d.Complete:
			if err := record(step, d.Thinking, "", nil, nil, usage.TotalTokens); err != nil {
				l.finishSession(persist, sessionID, store.SessionFailed)
				return nil, err
			}
			l.finishSession(persist, sessionID, store.SessionCompleted)
			onEvent(Event{Type: "complete", Step: step, Detail: d.FinalAnswer})
			return &Outcome{
				SessionID:   sessionID,
				Answer:      d.FinalAnswer,
				Steps:       step,
				TotalTokens: totalTokens,
			}, nil

		case d.HumanNeeded:
			if err := record(step, d.Thinking, "", nil, nil, usage.TotalTokens); err != nil {
				l.finishSession(persist, sessionID, store.SessionFailed)
				return nil, err
			}
			l.finishSession(persist, sessionID, store.SessionPaused)
			onEvent(Event{Type: "human_needed", Step: step, Detail: d.HumanReason})
			return nil, fmt.Errorf("%w: %s", ErrHumanNeeded, d.HumanReason)

		case d.Failed:
			if err := record(step, d.Thinking, "", nil, nil, usage.TotalTokens); err != nil {
				l.finishSession(persist, sessionID, store.SessionFailed)
				return nil, err
			}
			l.finishSession(persist, sessionID, store.SessionFailed)
			onEvent(Event{Type: "error", Step: step, Detail: d.FailReason})
			return nil, fmt.Errorf("orchestrator: task failed: %s", d.FailReason)

		case len(d.Calls) > 0:
			observation, toolName, toolInput, ok := l.act(ctx, d, tc)
			if err := record(step, d.Thinking, toolName, toolInput, observation, usage.TotalTokens); err != nil {
				l.finishSession(persist, sessionID, store.SessionFailed)
				return nil, err
			}
			onEvent(Event{Type: "tool_result", Step: step, Tool: toolName, Success: ok})

			fmt.Fprintf(&transcript, "Step %d thinking: %s\n", step, d.Thinking)
			fmt.Fprintf(&transcript, "Step %d action: %s\nObservation: %s\n\n",
				step, toolName, truncate(string(observation), observationLimit))

			if ok {
				lastSuccessfulTool = toolName
			} else {
				pendingNote = fmt.Sprintf(
					"SYSTEM NOTE: the tool call %q failed. Read the observation, then either retry with corrected input or take a different approach. Do not repeat the identical call.",
					toolName)
			}

			if persist {
				l.saveCheckpoint(sessionID, step, transcript.String(), lastSuccessfulTool)
			}

		default:
			// Nothing actionable. Record the thinking and nudge the model.
			if err := record(step, d.Thinking, "", nil, nil, usage.TotalTokens); err != nil {
				l.finishSession(persist, sessionID, store.SessionFailed)
				return nil, err
			}
			fmt.Fprintf(&transcript, "Step %d thinking: %s\n\n", step, d.Thinking)
			pendingNote = d.SystemNote
		}
	}

	l.finishSession(persist, sessionID, store.SessionFailed)
	onEvent(Event{Type: "error", Step: maxIter, Detail: "iteration limit reached"})
	return nil, fmt.Errorf("orchestrator: no completion after %d iterations", maxIter)
}

// act executes the decision's tool calls and returns the serialized
// observation, the tool name recorded for the step, the serialized input,
// and whether every call succeeded.
func (l *Loop) act(ctx context.Context, d *Decision, tc *tools.Context) (json.RawMessage, string, json.RawMessage, bool) {
	if d.Batch || len(d.Calls) > 1 {
		results := l.registry.ExecuteParallel(ctx, d.Calls, tc)
		ok := true
		for _, r := range results {
			if !r.Success {
				ok = false
			}
		}
		names := make([]string, 0, len(d.Calls))
		for _, c := range d.Calls {
			names = append(names, c.Name)
		}
		sort.Strings(names)
		observation, _ := json.Marshal(results)
		input, _ := json.Marshal(d.Calls)
		return observation, "batch:" + strings.Join(names, ","), input, ok
	}

	call := d.Calls[0]
	res := l.registry.Execute(ctx, call.Name, call.Input, tc)
	observation, _ := json.Marshal(res)
	return observation, call.Name, call.Input, res.Success
}

func (l *Loop) saveCheckpoint(sessionID string, step int, snapshot, lastTool string) {
	err := l.store.SaveCheckpoint(store.Checkpoint{
		SessionID:          sessionID,
		StepNumber:         step,
		ContextSnapshot:    truncate(snapshot, observationLimit*4),
		LastSuccessfulTool: lastTool,
		RecoveryStrategies: []string{"retry_with_corrected_input", "alternative_tool", "reduce_scope"},
	})
	if err != nil {
		l.logger.Warn("failed to save checkpoint", "session_id", sessionID, "error", err)
	}
}

func (l *Loop) finishSession(persist bool, sessionID, status string) {
	if !persist {
		return
	}
	if err := l.store.SetSessionStatus(sessionID, status); err != nil {
		l.logger.Warn("failed to finish session", "session_id", sessionID, "error", err)
	}
}

func (l *Loop) systemPrompt(tc *tools.Context) string {
	var b strings.Builder
	b.WriteString(`You are an autonomous engineering agent working one step at a time.

Each turn, reason inside <thinking>...</thinking>, then take exactly one action:
  <tool_call>{"name": "...", "input": {...}}</tool_call>
  <batch_call>[{"name": "...", "input": {...}, "priority": 1}, ...]</batch_call>
  <complete>final answer</complete>
  <human_needed>what a person must decide</human_needed>
  <failed>why the task cannot be done</failed>

Batch calls with the same priority run concurrently; lower priorities run first.

Available tools:
`)
	var perms []tools.Permission
	if tc != nil {
		perms = tc.Permissions
	}
	for _, t := range l.registry.List(perms) {
		schema, _ := json.Marshal(t.InputSchema)
		fmt.Fprintf(&b, "- %s: %s\n  input schema: %s\n", t.Name, t.Description, schema)
	}
	return b.String()
}

func (l *Loop) userPrompt(task, transcript, note string) string {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(task)
	if transcript != "" {
		b.WriteString("\n\nWork so far:\n")
		b.WriteString(transcript)
	}
	if note != "" {
		b.WriteString("\n\n")
		b.WriteString(note)
	}
	b.WriteString("\n\nContinue.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
