package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/store"
	"github.com/repolens-dev/repolens/internal/tools"
)

// Per-worker fetch limits. The planner assigns files; the worker caps what
// it actually pulls so one greedy plan cannot blow the token budget.
const (
	maxFilesPerTask = 10
	maxFileBytes    = 48 * 1024
)

// WorkerResult is one worker's contribution to the coordinator phase. A
// failed worker still yields a result: the placeholder carries the error so
// the coordinator always sees one result per planned task.
type WorkerResult struct {
	TaskID     string         `json:"taskId"`
	AgentRole  string         `json:"agentRole"`
	Issues     []store.Issue  `json:"issues,omitempty"`
	Findings   map[string]any `json:"findings,omitempty"`
	TokenUsage int            `json:"tokenUsage"`
	Failed     bool           `json:"failed,omitempty"`
}

func placeholderResult(task PlanTask, err error) WorkerResult {
	return WorkerResult{
		TaskID:    task.ID,
		AgentRole: task.AgentRole,
		Findings: map[string]any{
			"error":   true,
			"message": err.Error(),
		},
		TokenUsage: 0,
		Failed:     true,
	}
}

// runWorker executes one planned task. Shape-tier metadata analysis is fully
// local; everything else fetches the assigned files and runs a model pass.
func (p *Pipeline) runWorker(ctx context.Context, preflight *store.Preflight, tier string, task PlanTask) WorkerResult {
	if task.AgentRole == "MetadataAnalyst" || tier == TierShape {
		return analyzeMetadata(preflight, task)
	}

	files, fetchErrs := p.fetchTaskFiles(ctx, preflight, task)
	if len(files) == 0 {
		return placeholderResult(task, fmt.Errorf("no assigned files could be fetched: %s", strings.Join(fetchErrs, "; ")))
	}

	system := fmt.Sprintf(`You are a %s performing the %s tier of a repository audit.
Task: %s
Report concrete issues as a JSON array. Each issue has: severity (critical,
high, medium, low, info), category, title, description, file_path,
line_number, and remediation. Respond with JSON only; [] when clean.`,
		task.AgentRole, tier, task.Description)

	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", f.Path, f.Content)
	}

	raw, usage, err := p.llm.Complete(ctx, system, b.String(), llm.ResolveBudget(task.Budget))
	if err != nil {
		return placeholderResult(task, err)
	}

	var issues []store.Issue
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &issues); err != nil {
		res := placeholderResult(task, fmt.Errorf("worker output unparseable: %w", err))
		res.TokenUsage = usage.TotalTokens
		return res
	}
	for i := range issues {
		if issues[i].ID == "" {
			issues[i].ID = uuid.New().String()
		}
	}

	findings := map[string]any{"files_analyzed": len(files)}
	if len(fetchErrs) > 0 {
		findings["fetch_errors"] = fetchErrs
	}
	return WorkerResult{
		TaskID:     task.ID,
		AgentRole:  task.AgentRole,
		Issues:     issues,
		Findings:   findings,
		TokenUsage: usage.TotalTokens,
	}
}

func (p *Pipeline) fetchTaskFiles(ctx context.Context, preflight *store.Preflight, task PlanTask) ([]tools.CodeFile, []string) {
	sizes := make(map[string]int64, len(preflight.RepoMap))
	for _, e := range preflight.RepoMap {
		sizes[e.Path] = e.Size
	}

	token := ""
	if preflight.FetchStrategy == "authenticated" {
		token = p.githubToken
	}

	var files []tools.CodeFile
	var errs []string
	for _, path := range task.Files {
		if len(files) >= maxFilesPerTask {
			break
		}
		if size, ok := sizes[path]; ok && size > maxFileBytes {
			errs = append(errs, fmt.Sprintf("%s skipped: %d bytes exceeds the per-file limit", path, size))
			continue
		}
		content, err := p.github.FetchFile(ctx, preflight.Owner, preflight.Repo, path, preflight.DefaultBranch, token)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		if len(content) > maxFileBytes {
			content = content[:maxFileBytes]
		}
		files = append(files, tools.CodeFile{Path: path, Content: content})
	}
	return files, errs
}

// analyzeMetadata runs the model-free structural pass used by the shape
// tier. Findings come from the file map alone, so the result is
// deterministic and costs no tokens.
func analyzeMetadata(preflight *store.Preflight, task PlanTask) WorkerResult {
	var issues []store.Issue
	add := func(severity, title, desc string) {
		issues = append(issues, store.Issue{
			ID:          uuid.New().String(),
			Severity:    severity,
			Category:    "structure",
			Title:       title,
			Description: desc,
		})
	}

	has := func(names ...string) bool {
		for _, e := range preflight.RepoMap {
			lower := strings.ToLower(e.Path)
			for _, n := range names {
				if lower == n || strings.HasPrefix(lower, n) {
					return true
				}
			}
		}
		return false
	}

	if !has("readme.md", "readme.rst", "readme.txt", "readme") {
		add("medium", "No README", "The repository has no README; new contributors and evaluators have nothing to orient on")
	}
	if !has(".github/workflows/", ".gitlab-ci.yml", ".circleci/", "jenkinsfile") {
		add("medium", "No CI configuration", "No continuous integration setup was found; changes are not automatically verified")
	}
	if !hasTests(preflight.RepoMap) {
		add("high", "No test files", "No test files were found anywhere in the repository")
	}
	if !has(".gitignore") {
		add("low", "No .gitignore", "Build artifacts and local files may be committed accidentally")
	}
	if !has("license", "license.md", "license.txt", "copying") {
		add("info", "No license file", "The repository does not declare a license")
	}
	for _, e := range preflight.RepoMap {
		if strings.HasSuffix(e.Path, ".env") && !strings.HasSuffix(e.Path, ".env.example") {
			add("critical", "Environment file committed",
				fmt.Sprintf("%s is committed to the repository and may contain secrets", e.Path))
		}
	}

	return WorkerResult{
		TaskID:    task.ID,
		AgentRole: task.AgentRole,
		Issues:    issues,
		Findings: map[string]any{
			"file_count": preflight.FileCount,
			"platforms":  detectPlatforms(preflight.RepoMap),
		},
		TokenUsage: 0,
	}
}

func hasTests(repoMap []store.RepoMapEntry) bool {
	for _, e := range repoMap {
		lower := strings.ToLower(e.Path)
		if strings.Contains(lower, "_test.go") ||
			strings.Contains(lower, ".test.") ||
			strings.Contains(lower, ".spec.") ||
			strings.Contains(lower, "/tests/") ||
			strings.HasPrefix(lower, "tests/") ||
			strings.Contains(lower, "/__tests__/") {
			return true
		}
	}
	return false
}
