package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/scoring"
	"github.com/repolens-dev/repolens/internal/store"
)

// Report is the coordinator phase output: the document clients render.
type Report struct {
	AuditID         string                `json:"auditId"`
	RepoURL         string                `json:"repoUrl"`
	Tier            string                `json:"tier"`
	HealthScore     int                   `json:"healthScore"`
	RiskLevel       string                `json:"riskLevel"`
	ProductionReady bool                  `json:"productionReady"`
	Summary         string                `json:"summary"`
	TopStrengths    []string              `json:"topStrengths"`
	TopIssues       []store.Issue         `json:"topIssues"`
	SuspiciousFiles []string              `json:"suspiciousFiles"`
	IssueCount      int                   `json:"issueCount"`
	FailedWorkers   []string              `json:"failedWorkers,omitempty"`
	PriorAudits     []store.AuditSummary  `json:"priorAudits,omitempty"`
	TokenUsage      store.PhaseTokens     `json:"tokenUsage"`
}

var severityRank = map[string]int{
	"critical": 0, "high": 1, "warning": 1, "medium": 2, "low": 3, "info": 3,
}

// mergeResults flattens worker results into one deduplicated issue list.
// Duplicates are matched by id first, then by (title, file) so two workers
// reporting the same finding under different ids collapse to one.
func mergeResults(results []WorkerResult) ([]store.Issue, []string) {
	seenID := make(map[string]bool)
	seenKey := make(map[string]bool)
	var issues []store.Issue
	var failed []string

	for _, r := range results {
		if r.Failed {
			failed = append(failed, r.TaskID)
			continue
		}
		for _, issue := range r.Issues {
			if issue.ID != "" && seenID[issue.ID] {
				continue
			}
			key := strings.ToLower(issue.Title) + "|" + issue.FilePath
			if seenKey[key] {
				continue
			}
			seenID[issue.ID] = true
			seenKey[key] = true
			issues = append(issues, issue)
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		return severityRank[issues[i].Severity] < severityRank[issues[j].Severity]
	})
	return issues, failed
}

type coordinatorNarrative struct {
	Summary      string   `json:"summary"`
	TopStrengths []string `json:"topStrengths"`
}

const coordinatorSystem = `You are the coordinator phase of a repository audit. Given the merged
findings, write the final narrative as JSON only:
{"summary": "three to five sentences on the repository's state",
"topStrengths": ["up to three things done well"]}
Be specific; cite the findings, not generalities.`

// coordinate merges worker output into the final report and persists the
// audit. The narrative comes from the model on paid tiers and from a local
// template on the free tier.
func (p *Pipeline) coordinate(ctx context.Context, preflight *store.Preflight, job *store.Job, results []WorkerResult) (*Report, int, error) {
	issues, failedWorkers := mergeResults(results)

	severities := make([]string, len(issues))
	for i, issue := range issues {
		severities[i] = issue.Severity
	}
	score := scoring.HealthScore(severities)

	report := &Report{
		RepoURL:         preflight.RepoURL,
		Tier:            job.Tier,
		HealthScore:     score,
		RiskLevel:       scoring.RiskLevel(score),
		ProductionReady: scoring.ProductionReady(score),
		TopIssues:       topIssues(issues, 5),
		SuspiciousFiles: suspiciousFiles(issues, 10),
		IssueCount:      len(issues),
		FailedWorkers:   failedWorkers,
	}

	totalWorkerTokens := 0
	for _, r := range results {
		totalWorkerTokens += r.TokenUsage
	}

	coordTokens := 0
	if Free(job.Tier) {
		report.Summary = localSummary(preflight, score, issues)
		report.TopStrengths = localStrengths(preflight, issues)
	} else {
		narrative, tokens, err := p.narrate(ctx, preflight, job.Tier, issues)
		coordTokens = tokens
		if err != nil {
			p.logger.Warn("coordinator narrative failed, using local summary",
				"preflight_id", preflight.ID, "error", err)
			report.Summary = localSummary(preflight, score, issues)
		} else {
			report.Summary = narrative.Summary
			report.TopStrengths = narrative.TopStrengths
		}
	}

	// A cancel during the narrative call discards the run before anything
	// is persisted.
	if err := p.checkCancelled(job); err != nil {
		return nil, coordTokens, err
	}

	auditID, err := p.store.CreateAudit(&store.Audit{
		UserID:      job.UserID,
		RepoURL:     preflight.RepoURL,
		Tier:        job.Tier,
		HealthScore: score,
		Summary:     report.Summary,
		TotalTokens: totalWorkerTokens + coordTokens,
		PreflightID: preflight.ID,
	})
	if err != nil {
		return nil, coordTokens, err
	}
	report.AuditID = auditID

	extra := map[string]any{
		"topStrengths":    report.TopStrengths,
		"suspiciousFiles": report.SuspiciousFiles,
		"failedWorkers":   failedWorkers,
	}
	if _, err := p.store.StoreAuditResults(auditID, issues, extra); err != nil {
		return nil, coordTokens, err
	}

	if prior, err := p.store.ListAuditsForRepo(preflight.RepoURL, 5); err == nil {
		for _, a := range prior {
			if a.ID != auditID {
				report.PriorAudits = append(report.PriorAudits, a)
			}
		}
	}
	return report, coordTokens, nil
}

func (p *Pipeline) narrate(ctx context.Context, preflight *store.Preflight, tier string, issues []store.Issue) (*coordinatorNarrative, int, error) {
	condensed := topIssues(issues, 25)
	findings, err := json.Marshal(condensed)
	if err != nil {
		return nil, 0, fmt.Errorf("pipeline: encode findings: %w", err)
	}
	user := fmt.Sprintf("Repository: %s\nTier: %s\nTotal findings: %d\n\nTop findings:\n%s",
		preflight.RepoURL, tier, len(issues), findings)

	raw, usage, err := p.llm.Complete(ctx, coordinatorSystem, user, llm.ResolveBudget("coordinator"))
	if err != nil {
		return nil, 0, err
	}
	var n coordinatorNarrative
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &n); err != nil || n.Summary == "" {
		return nil, usage.TotalTokens, fmt.Errorf("pipeline: coordinator output unparseable")
	}
	return &n, usage.TotalTokens, nil
}

func topIssues(issues []store.Issue, n int) []store.Issue {
	if len(issues) <= n {
		return issues
	}
	return issues[:n]
}

// suspiciousFiles lists the files carrying the most critical and high
// findings.
func suspiciousFiles(issues []store.Issue, n int) []string {
	weight := make(map[string]int)
	for _, issue := range issues {
		if issue.FilePath == "" {
			continue
		}
		switch issue.Severity {
		case "critical":
			weight[issue.FilePath] += 3
		case "high", "warning":
			weight[issue.FilePath] += 2
		default:
			weight[issue.FilePath]++
		}
	}
	files := make([]string, 0, len(weight))
	for f := range weight {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if weight[files[i]] != weight[files[j]] {
			return weight[files[i]] > weight[files[j]]
		}
		return files[i] < files[j]
	})
	if len(files) > n {
		files = files[:n]
	}
	return files
}

func localSummary(preflight *store.Preflight, score int, issues []store.Issue) string {
	counts := make(map[string]int)
	for _, issue := range issues {
		counts[issue.Severity]++
	}
	return fmt.Sprintf(
		"%s scored %d/100 across %d files. Findings: %d critical, %d high, %d medium, %d low or informational.",
		preflight.RepoURL, score, preflight.FileCount,
		counts["critical"], counts["high"]+counts["warning"], counts["medium"],
		counts["low"]+counts["info"],
	)
}

func localStrengths(preflight *store.Preflight, issues []store.Issue) []string {
	flagged := make(map[string]bool)
	for _, issue := range issues {
		flagged[issue.Title] = true
	}
	var strengths []string
	if !flagged["No README"] {
		strengths = append(strengths, "Repository documentation is present")
	}
	if !flagged["No CI configuration"] {
		strengths = append(strengths, "Continuous integration is configured")
	}
	if !flagged["No test files"] {
		strengths = append(strengths, "The codebase carries tests")
	}
	return strengths
}
