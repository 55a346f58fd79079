package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/scoring"
	"github.com/repolens-dev/repolens/internal/store"
)

// Static checks applied by analyze_code_files. These catch the cheap,
// unambiguous problems so model attention goes to the judgement calls.
var (
	secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*['"][A-Za-z0-9+/_-]{16,}['"]`)
	evalPattern   = regexp.MustCompile(`\beval\s*\(`)
	debugPattern  = regexp.MustCompile(`console\.(log|debug)\(|fmt\.Println\(|print\(`)
)

const longFileLines = 800

// CodeFile is one file handed to the static analyzer.
type CodeFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type analyzeInput struct {
	Files []CodeFile `json:"files"`
}

type healthScoreInput struct {
	Severities []string      `json:"severities,omitempty"`
	Issues     []store.Issue `json:"issues,omitempty"`
}

type summaryInput struct {
	Findings string `json:"findings"`
	RepoURL  string `json:"repoUrl,omitempty"`
	Tier     string `json:"tier,omitempty"`
}

type deepAnalysisInput struct {
	Files  []CodeFile `json:"files"`
	Focus  string     `json:"focus,omitempty"`
	Budget string     `json:"budget,omitempty"`
}

// AnalyzeCode runs the static checks over a set of files.
func AnalyzeCode(files []CodeFile) []store.Issue {
	var issues []store.Issue
	add := func(severity, category, title, desc, path string, line int) {
		issues = append(issues, store.Issue{
			ID:          uuid.New().String(),
			Severity:    severity,
			Category:    category,
			Title:       title,
			Description: desc,
			FilePath:    path,
			LineNumber:  line,
		})
	}

	for _, f := range files {
		lines := strings.Split(f.Content, "\n")
		if len(lines) > longFileLines {
			add("low", "maintainability", "Oversized file",
				fmt.Sprintf("%s has %d lines; consider splitting it", f.Path, len(lines)),
				f.Path, 0)
		}
		for i, line := range lines {
			switch {
			case secretPattern.MatchString(line):
				add("critical", "security", "Possible hardcoded credential",
					"A literal that looks like an API key, secret, or password is committed to the repository",
					f.Path, i+1)
			case evalPattern.MatchString(line):
				add("high", "security", "Dynamic code evaluation",
					"eval() executes arbitrary strings and is a common injection vector",
					f.Path, i+1)
			case debugPattern.MatchString(line):
				add("info", "code-quality", "Debug output left in code",
					"Logging or print statements that look like leftover debugging",
					f.Path, i+1)
			}
			if strings.Contains(line, "TODO") || strings.Contains(line, "FIXME") {
				add("info", "maintainability", "Unresolved TODO marker",
					strings.TrimSpace(line), f.Path, i+1)
			}
		}
	}
	return issues
}

const deepAnalysisSystem = `You are a senior code auditor. Examine the provided files and report
concrete issues as a JSON array. Each issue has: severity (critical, high,
medium, low, info), category, title, description, file_path, line_number,
and remediation. Report only real problems you can point at; respond with
[] when the code is clean. Output JSON only.`

// AnalyticsTools returns the analysis tools. The LLM-backed tools read the
// client from the call context so tests can inject a fake.
func AnalyticsTools() []*Tool {
	return []*Tool{
		{
			Name:               "analyze_code_files",
			Description:        "Run static checks over file contents and report findings",
			RequiredPermission: PermRead,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"files"},
				"properties": map[string]any{
					"files": map[string]any{"type": "array"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in analyzeInput
				if err := json.Unmarshal(input, &in); err != nil {
					return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
				}
				if len(in.Files) == 0 {
					return &Result{Success: false, Error: "files is required"}, nil
				}
				issues := AnalyzeCode(in.Files)
				return &Result{Success: true, Data: map[string]any{
					"issues":         issues,
					"files_analyzed": len(in.Files),
				}}, nil
			},
		},
		{
			Name:               "calculate_health_score",
			Description:        "Compute the deterministic health score from a list of issues",
			RequiredPermission: PermRead,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"severities": map[string]any{"type": "array"},
					"issues":     map[string]any{"type": "array"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in healthScoreInput
				if err := json.Unmarshal(input, &in); err != nil {
					return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
				}
				severities := in.Severities
				for _, issue := range in.Issues {
					severities = append(severities, issue.Severity)
				}
				score := scoring.HealthScore(severities)
				return &Result{Success: true, Data: map[string]any{
					"health_score":     score,
					"risk_level":       scoring.RiskLevel(score),
					"production_ready": scoring.ProductionReady(score),
					"issue_count":      len(severities),
				}}, nil
			},
		},
		{
			Name:               "generate_summary",
			Description:        "Produce a short human-readable summary of audit findings",
			RequiredPermission: PermRead,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"findings"},
				"properties": map[string]any{
					"findings": map[string]any{"type": "string"},
					"repoUrl":  map[string]any{"type": "string"},
					"tier":     map[string]any{"type": "string"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in summaryInput
				if err := json.Unmarshal(input, &in); err != nil {
					return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
				}
				if in.Findings == "" {
					return &Result{Success: false, Error: "findings is required"}, nil
				}
				if tc.LLM == nil {
					return &Result{Success: false, Error: "no language model available"}, nil
				}

				system := "You summarize code audit findings for repository owners. " +
					"Write two or three plain sentences: overall state, the most important problem, the next step. No markdown."
				user := in.Findings
				if in.RepoURL != "" {
					user = "Repository: " + in.RepoURL + "\nTier: " + in.Tier + "\n\n" + user
				}
				text, usage, err := tc.LLM.Complete(ctx, system, user, llm.BudgetSimple)
				if err != nil {
					return &Result{Success: false, Error: err.Error()}, nil
				}
				return &Result{
					Success:    true,
					Data:       map[string]any{"summary": llm.StripThinkBlocks(text)},
					TokenUsage: usage.TotalTokens,
				}, nil
			},
		},
		{
			Name:               "deep_ai_analysis",
			Description:        "Run a model-driven audit pass over file contents",
			RequiredPermission: PermExecute,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"files"},
				"properties": map[string]any{
					"files":  map[string]any{"type": "array"},
					"focus":  map[string]any{"type": "string"},
					"budget": map[string]any{"type": "string"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in deepAnalysisInput
				if err := json.Unmarshal(input, &in); err != nil {
					return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
				}
				if len(in.Files) == 0 {
					return &Result{Success: false, Error: "files is required"}, nil
				}
				if tc.LLM == nil {
					return &Result{Success: false, Error: "no language model available"}, nil
				}

				var b strings.Builder
				if in.Focus != "" {
					fmt.Fprintf(&b, "Focus area: %s\n\n", in.Focus)
				}
				for _, f := range in.Files {
					fmt.Fprintf(&b, "=== %s ===\n%s\n\n", f.Path, f.Content)
				}

				text, usage, err := tc.LLM.Complete(ctx, deepAnalysisSystem, b.String(), llm.ResolveBudget(in.Budget))
				if err != nil {
					return &Result{Success: false, Error: err.Error()}, nil
				}

				var issues []store.Issue
				if err := json.Unmarshal([]byte(llm.StripFences(text)), &issues); err != nil {
					return &Result{
						Success:    false,
						Error:      "model returned unparseable issue list: " + err.Error(),
						TokenUsage: usage.TotalTokens,
					}, nil
				}
				for i := range issues {
					if issues[i].ID == "" {
						issues[i].ID = uuid.New().String()
					}
				}
				return &Result{
					Success:    true,
					Data:       map[string]any{"issues": issues},
					TokenUsage: usage.TotalTokens,
				}, nil
			},
		},
	}
}
