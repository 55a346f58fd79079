package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/repolens-dev/repolens/internal/scoring"
	"github.com/repolens-dev/repolens/internal/store"
)

// queryableTables is the allow-list for query_db. Each entry maps a table
// name to the columns the tool may expose; anything else is refused.
var queryableTables = map[string]func(s *store.Store, limit int) (any, error){
	"audits": func(s *store.Store, limit int) (any, error) {
		return s.RecentAudits(limit)
	},
	"jobs": func(s *store.Store, limit int) (any, error) {
		return s.RecentJobs(limit)
	},
}

type queryDBInput struct {
	Table string `json:"table"`
	Limit int    `json:"limit,omitempty"`
}

type saveResultsInput struct {
	RepoURL   string         `json:"repoUrl,omitempty"`
	Tier      string         `json:"tier,omitempty"`
	Summary   string         `json:"summary"`
	Issues    []store.Issue  `json:"issues"`
	ExtraData map[string]any `json:"extraData,omitempty"`
	Tokens    int            `json:"tokenUsage,omitempty"`
}

type getPreflightInput struct {
	PreflightID string `json:"preflightId,omitempty"`
}

// DatabaseTools returns the persistence-facing tools.
func DatabaseTools() []*Tool {
	return []*Tool{
		{
			Name:               "query_db",
			Description:        "Query recent rows from an allow-listed database table",
			RequiredPermission: PermRead,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"table"},
				"properties": map[string]any{
					"table": map[string]any{"type": "string", "enum": []string{"audits", "jobs"}},
					"limit": map[string]any{"type": "integer"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in queryDBInput
				if err := json.Unmarshal(input, &in); err != nil {
					return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
				}
				query, ok := queryableTables[in.Table]
				if !ok {
					return &Result{Success: false, Error: fmt.Sprintf("table %q is not queryable", in.Table)}, nil
				}
				if tc.Store == nil {
					return &Result{Success: false, Error: "no store available"}, nil
				}
				rows, err := query(tc.Store, in.Limit)
				if err != nil {
					return &Result{Success: false, Error: err.Error()}, nil
				}
				return &Result{Success: true, Data: rows}, nil
			},
		},
		{
			Name:               "save_audit_results",
			Description:        "Persist an audit report with its issues and computed health score",
			RequiredPermission: PermWrite,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"summary", "issues"},
				"properties": map[string]any{
					"repoUrl":   map[string]any{"type": "string"},
					"tier":      map[string]any{"type": "string"},
					"summary":   map[string]any{"type": "string"},
					"issues":    map[string]any{"type": "array"},
					"extraData": map[string]any{"type": "object"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in saveResultsInput
				if err := json.Unmarshal(input, &in); err != nil {
					return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
				}
				if tc.Store == nil {
					return &Result{Success: false, Error: "no store available"}, nil
				}

				repoURL := in.RepoURL
				preflightID := ""
				if tc.Preflight != nil {
					preflightID = tc.Preflight.ID
					if repoURL == "" {
						repoURL = tc.Preflight.RepoURL
					}
				}
				if repoURL == "" {
					return &Result{Success: false, Error: "repoUrl is required when no repository context is set"}, nil
				}

				severities := make([]string, len(in.Issues))
				for i, issue := range in.Issues {
					severities[i] = issue.Severity
				}
				score := scoring.HealthScore(severities)

				auditID, err := tc.Store.CreateAudit(&store.Audit{
					UserID:      tc.UserID,
					RepoURL:     repoURL,
					Tier:        in.Tier,
					HealthScore: score,
					Summary:     in.Summary,
					TotalTokens: in.Tokens,
					PreflightID: preflightID,
				})
				if err != nil {
					return &Result{Success: false, Error: err.Error()}, nil
				}
				chunks, err := tc.Store.StoreAuditResults(auditID, in.Issues, in.ExtraData)
				if err != nil {
					return &Result{Success: false, Error: err.Error()}, nil
				}

				return &Result{Success: true, Data: map[string]any{
					"audit_id":     auditID,
					"health_score": score,
					"risk_level":   scoring.RiskLevel(score),
					"chunks":       chunks,
				}}, nil
			},
		},
		{
			Name:               "get_preflight",
			Description:        "Load the repository snapshot for the current audit or a given preflight id",
			RequiredPermission: PermRead,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"preflightId": map[string]any{"type": "string"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in getPreflightInput
				if len(input) > 0 {
					if err := json.Unmarshal(input, &in); err != nil {
						return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
					}
				}
				if in.PreflightID == "" && tc.Preflight != nil {
					return &Result{Success: true, Data: preflightView(tc.Preflight)}, nil
				}
				if in.PreflightID == "" {
					return &Result{Success: false, Error: "preflightId is required when no repository context is set"}, nil
				}
				if tc.Store == nil {
					return &Result{Success: false, Error: "no store available"}, nil
				}
				p, err := tc.Store.GetPreflight(in.PreflightID)
				if err != nil {
					return &Result{Success: false, Error: err.Error()}, nil
				}
				return &Result{Success: true, Data: preflightView(p)}, nil
			},
		},
	}
}

// preflightView shapes a snapshot for model consumption. The raw repo map can
// run to thousands of entries; callers that need all of it go through the
// planner's filtered view instead.
func preflightView(p *store.Preflight) map[string]any {
	return map[string]any{
		"id":             p.ID,
		"repo_url":       p.RepoURL,
		"owner":          p.Owner,
		"repo":           p.Repo,
		"default_branch": p.DefaultBranch,
		"file_count":     p.FileCount,
		"is_private":     p.IsPrivate,
		"stats":          p.Stats,
		"repo_map":       p.RepoMap,
	}
}
