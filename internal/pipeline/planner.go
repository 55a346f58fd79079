package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/repolens-dev/repolens/internal/llm"
	"github.com/repolens-dev/repolens/internal/store"
)

// planViewLimit caps how many repo map entries the planner prompt embeds.
// Platform detection always sees the full map; only the prompt is sampled.
const planViewLimit = 100

// Plan is the planner phase output: the fan-out the worker phase executes.
type Plan struct {
	Strategy  string     `json:"strategy"`
	Platforms []string   `json:"platforms,omitempty"`
	Tasks     []PlanTask `json:"tasks"`
}

// PlanTask is one worker assignment.
type PlanTask struct {
	ID          string   `json:"id"`
	AgentRole   string   `json:"agentRole"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Budget      string   `json:"budget,omitempty"`
}

// skippedDirs and skippedExts exclude generated and binary content from the
// planning view.
var skippedDirs = map[string]bool{
	"node_modules": true, "vendor": true, "dist": true, "build": true,
	".git": true, ".next": true, "__pycache__": true, "coverage": true,
}

var skippedExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".svg": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".pdf": true, ".zip": true, ".gz": true, ".min.js": true, ".map": true,
	".lock": true,
}

var skippedFiles = map[string]bool{
	"package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
	"go.sum": true, "Cargo.lock": true, "poetry.lock": true,
}

func relevant(e store.RepoMapEntry) bool {
	if e.Type == "dir" || e.Type == "tree" {
		return false
	}
	base := path.Base(e.Path)
	if skippedFiles[base] {
		return false
	}
	if skippedExts[strings.ToLower(path.Ext(base))] {
		return false
	}
	for _, part := range strings.Split(e.Path, "/") {
		if skippedDirs[part] {
			return false
		}
	}
	return true
}

// planningView filters the repo map down to auditable files and, when the
// result still exceeds the limit, samples evenly per directory so every part
// of the tree stays represented.
func planningView(repoMap []store.RepoMapEntry) []store.RepoMapEntry {
	var files []store.RepoMapEntry
	for _, e := range repoMap {
		if relevant(e) {
			files = append(files, e)
		}
	}
	if len(files) <= planViewLimit {
		return files
	}

	byDir := make(map[string][]store.RepoMapEntry)
	var dirs []string
	for _, f := range files {
		dir := path.Dir(f.Path)
		if _, seen := byDir[dir]; !seen {
			dirs = append(dirs, dir)
		}
		byDir[dir] = append(byDir[dir], f)
	}
	sort.Strings(dirs)

	perDir := planViewLimit / len(dirs)
	if perDir < 1 {
		perDir = 1
	}
	var sampled []store.RepoMapEntry
	for _, dir := range dirs {
		entries := byDir[dir]
		// Larger files first; they tend to carry the load-bearing code.
		sort.Slice(entries, func(i, j int) bool { return entries[i].Size > entries[j].Size })
		take := perDir
		if take > len(entries) {
			take = len(entries)
		}
		sampled = append(sampled, entries[:take]...)
		if len(sampled) >= planViewLimit {
			sampled = sampled[:planViewLimit]
			break
		}
	}
	return sampled
}

// detectPlatforms scans the full repo map for framework and infrastructure
// markers.
func detectPlatforms(repoMap []store.RepoMapEntry) []string {
	markers := map[string]string{
		"next.config.js":     "nextjs",
		"next.config.mjs":    "nextjs",
		"next.config.ts":     "nextjs",
		"nuxt.config.ts":     "nuxt",
		"angular.json":       "angular",
		"svelte.config.js":   "svelte",
		"go.mod":             "go",
		"Cargo.toml":         "rust",
		"requirements.txt":   "python",
		"pyproject.toml":     "python",
		"Gemfile":            "ruby",
		"pom.xml":            "java",
		"build.gradle":       "java",
		"docker-compose.yml": "docker",
		"Dockerfile":         "docker",
		"serverless.yml":     "serverless",
	}
	found := make(map[string]bool)
	for _, e := range repoMap {
		base := path.Base(e.Path)
		if p, ok := markers[base]; ok {
			found[p] = true
		}
		if strings.HasPrefix(e.Path, "supabase/") || base == "supabase.ts" {
			found["supabase"] = true
		}
		if base == "package.json" && path.Dir(e.Path) == "." {
			found["node"] = true
		}
	}
	var platforms []string
	for p := range found {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms
}

// plan produces the task fan-out for a tier. The shape tier is static and
// free of model calls; paid tiers ask the model and fall back to a static
// plan when its output cannot be parsed.
func (p *Pipeline) plan(ctx context.Context, preflight *store.Preflight, tier string) (*Plan, int, error) {
	platforms := detectPlatforms(preflight.RepoMap)

	if tier == TierShape {
		return &Plan{
			Strategy:  "single-pass repository shape analysis",
			Platforms: platforms,
			Tasks: []PlanTask{{
				ID:          "task-1",
				AgentRole:   "MetadataAnalyst",
				Description: "Assess repository structure, file organization, and platform setup from the file map and statistics",
				Budget:      "simple",
			}},
		}, 0, nil
	}

	prompt, err := p.store.GetTierPrompt(tier)
	if errors.Is(err, store.ErrNotFound) {
		prompt = DefaultTierPrompts()[tier]
	} else if err != nil {
		return nil, 0, err
	}

	view := planningView(preflight.RepoMap)
	viewJSON, err := json.Marshal(view)
	if err != nil {
		return nil, 0, fmt.Errorf("pipeline: encode planning view: %w", err)
	}
	statsJSON, _ := json.Marshal(preflight.Stats)

	user := fmt.Sprintf(
		"Repository: %s\nDefault branch: %s\nTotal files: %d\nPlatforms: %s\nStats: %s\n\nFile map (%d of %d files shown):\n%s\n\nProduce the audit plan with at most %d tasks.",
		preflight.RepoURL, preflight.DefaultBranch, preflight.FileCount,
		strings.Join(platforms, ", "), statsJSON, len(view), preflight.FileCount,
		viewJSON, maxWorkers(tier),
	)

	raw, usage, err := p.llm.Complete(ctx, prompt, user, llm.ResolveBudget("planner"))
	if err != nil {
		return nil, 0, fmt.Errorf("pipeline: planner completion: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &plan); err != nil || len(plan.Tasks) == 0 {
		p.logger.Warn("planner output unparseable, using fallback plan",
			"preflight_id", preflight.ID, "tier", tier)
		plan = fallbackPlan(tier, view)
	}
	plan.Platforms = platforms

	if n := maxWorkers(tier); len(plan.Tasks) > n {
		plan.Tasks = plan.Tasks[:n]
	}
	for i := range plan.Tasks {
		if plan.Tasks[i].ID == "" {
			plan.Tasks[i].ID = fmt.Sprintf("task-%d", i+1)
		}
		if plan.Tasks[i].Budget == "" {
			plan.Tasks[i].Budget = "audit"
		}
	}
	return &plan, usage.TotalTokens, nil
}

// fallbackPlan splits the planning view evenly across generalist workers.
func fallbackPlan(tier string, view []store.RepoMapEntry) Plan {
	n := maxWorkers(tier)
	if n > len(view) && len(view) > 0 {
		n = len(view)
	}
	if n < 1 {
		n = 1
	}
	tasks := make([]PlanTask, n)
	for i := range tasks {
		tasks[i] = PlanTask{
			ID:          fmt.Sprintf("task-%d", i+1),
			AgentRole:   "CodeAuditor",
			Description: fmt.Sprintf("Audit the assigned files for %s issues", tier),
			Budget:      "audit",
		}
	}
	for i, f := range view {
		t := &tasks[i%n]
		t.Files = append(t.Files, f.Path)
	}
	return Plan{Strategy: "even file split across generalist auditors", Tasks: tasks}
}
