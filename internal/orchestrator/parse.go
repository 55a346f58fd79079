package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/tools"
)

// Decision is the parsed form of one model response. Exactly one of the
// action fields is meaningful: tool calls, completion, human handoff, or
// failure. When the model produced nothing actionable, SystemNote carries
// the corrective note to feed back on the next iteration.
type Decision struct {
	Thinking    string
	Calls       []tools.Call
	Batch       bool
	Complete    bool
	FinalAnswer string
	HumanNeeded bool
	HumanReason string
	Failed      bool
	FailReason  string
	SystemNote  string
}

// Actionable reports whether the decision carries something the loop can do.
func (d *Decision) Actionable() bool {
	return len(d.Calls) > 0 || d.Complete || d.HumanNeeded || d.Failed
}

type rawCall struct {
	Name       string          `json:"name"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input"`
	Parameters json.RawMessage `json:"parameters"`
	Priority   int             `json:"priority"`
}

func (rc rawCall) toCall() tools.Call {
	name := rc.Name
	if name == "" {
		name = rc.Tool
	}
	input := rc.Input
	if len(input) == 0 {
		input = rc.Parameters
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return tools.Call{Name: name, Input: input, Priority: rc.Priority}
}

// ParseDecision extracts the model's decision from raw output. It never
// fails: malformed or tag-free responses come back as a thinking-only
// decision with a SystemNote, and Thinking is always non-empty.
func ParseDecision(raw string) *Decision {
	d := &Decision{}
	s := llm.StripThinkBlocks(raw)

	if t, ok := tagContent(s, "thinking"); ok {
		d.Thinking = strings.TrimSpace(t)
	}

	if t, ok := tagContent(s, "complete"); ok {
		d.Complete = true
		d.FinalAnswer = strings.TrimSpace(t)
	}
	if t, ok := tagContent(s, "human_needed"); ok {
		d.HumanNeeded = true
		d.HumanReason = strings.TrimSpace(t)
	}
	if t, ok := tagContent(s, "failed"); ok {
		d.Failed = true
		d.FailReason = strings.TrimSpace(t)
	}

	if t, ok := tagContent(s, "batch_call"); ok {
		if calls := parseCallList(t); len(calls) > 0 {
			d.Calls = calls
			d.Batch = true
		}
	}
	if len(d.Calls) == 0 {
		if t, ok := tagContent(s, "tool_call"); ok {
			if c, ok := parseSingleCall(t); ok {
				d.Calls = []tools.Call{c}
			}
		}
	}

	// Tag-free responses sometimes carry a bare JSON tool call.
	if !d.Actionable() {
		if obj := extractJSON(s); obj != "" {
			if c, ok := parseSingleCall(obj); ok {
				d.Calls = []tools.Call{c}
			}
		}
	}

	if d.Thinking == "" {
		if d.Actionable() {
			d.Thinking = "(no reasoning provided)"
		} else {
			d.Thinking = strings.TrimSpace(s)
			if d.Thinking == "" {
				d.Thinking = "(empty response)"
			}
		}
	}

	if !d.Actionable() {
		d.SystemNote = "SYSTEM NOTE: your previous response contained no recognizable action. " +
			"Respond with a <tool_call>, <batch_call>, <complete>, <human_needed>, or <failed> tag."
	}
	return d
}

// tagContent returns the content between <tag> and </tag>. A missing close
// tag takes everything after the open tag.
func tagContent(s, tag string) (string, bool) {
	open := "<" + tag + ">"
	start := strings.Index(s, open)
	if start == -1 {
		return "", false
	}
	rest := s[start+len(open):]
	if end := strings.Index(rest, "</"+tag+">"); end != -1 {
		return rest[:end], true
	}
	return rest, true
}

func parseSingleCall(s string) (tools.Call, bool) {
	s = llm.StripFences(s)
	var rc rawCall
	if err := json.Unmarshal([]byte(s), &rc); err != nil {
		// The payload may have prose around the JSON.
		if obj := extractJSON(s); obj != "" && obj != s {
			if err := json.Unmarshal([]byte(obj), &rc); err != nil {
				return tools.Call{}, false
			}
		} else {
			return tools.Call{}, false
		}
	}
	c := rc.toCall()
	if c.Name == "" {
		return tools.Call{}, false
	}
	return c, true
}

func parseCallList(s string) []tools.Call {
	s = llm.StripFences(s)
	var rcs []rawCall
	if err := json.Unmarshal([]byte(s), &rcs); err != nil {
		// Accept the {"tools": [...]} and {"calls": [...]} wrappers.
		var wrapper struct {
			Tools []rawCall `json:"tools"`
			Calls []rawCall `json:"calls"`
		}
		if err := json.Unmarshal([]byte(s), &wrapper); err != nil {
			return nil
		}
		rcs = wrapper.Tools
		if len(rcs) == 0 {
			rcs = wrapper.Calls
		}
		if len(rcs) == 0 {
			return nil
		}
	}
	var calls []tools.Call
	for _, rc := range rcs {
		c := rc.toCall()
		if c.Name != "" {
			calls = append(calls, c)
		}
	}
	return calls
}

// extractJSON returns the first balanced JSON object or array in s, honoring
// string literals and escapes.
func extractJSON(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
