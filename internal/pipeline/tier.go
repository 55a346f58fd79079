package pipeline

import "strings"

// Canonical audit tiers. Legacy aliases from the old public API map onto
// these; everything downstream of the submit path sees canonical names only.
const (
	TierShape            = "shape"
	TierConventions      = "conventions"
	TierPerformance      = "performance"
	TierSecurity         = "security"
	TierSupabaseDeepDive = "supabase_deep_dive"
)

var tierAliases = map[string]string{
	"lite":  TierShape,
	"deep":  TierConventions,
	"ultra": TierSecurity,
}

var canonicalTiers = map[string]bool{
	TierShape:            true,
	TierConventions:      true,
	TierPerformance:      true,
	TierSecurity:         true,
	TierSupabaseDeepDive: true,
}

// CanonicalTier maps a requested tier (canonical or legacy alias) to its
// canonical name. Unknown tiers come back as ok == false.
func CanonicalTier(tier string) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(tier))
	if canonicalTiers[t] {
		return t, true
	}
	if mapped, ok := tierAliases[t]; ok {
		return mapped, true
	}
	return "", false
}

// Free reports whether a tier runs without a paid plan. Only shape is free;
// it never calls the model during planning.
func Free(tier string) bool {
	return tier == TierShape
}

// estimatedSeconds is the up-front duration estimate written to the status
// row at claim time.
func estimatedSeconds(tier string) int {
	switch tier {
	case TierShape:
		return 30
	case TierConventions:
		return 120
	case TierPerformance, TierSecurity:
		return 180
	case TierSupabaseDeepDive:
		return 240
	default:
		return 120
	}
}

// maxWorkers caps the planner's fan-out per tier.
func maxWorkers(tier string) int {
	switch tier {
	case TierShape:
		return 1
	case TierConventions:
		return 3
	default:
		return 5
	}
}

// DefaultTierPrompts seeds the planner prompts for a fresh database. The
// rows are editable afterward through the store without a redeploy.
func DefaultTierPrompts() map[string]string {
	base := `You are the planning phase of a repository audit. Given a repository
file map and statistics, produce a JSON plan that fans the audit out to
specialist workers. Respond with JSON only:
{"strategy": "...", "tasks": [{"id": "task-1", "agentRole": "...",
"description": "...", "files": ["..."], "budget": "audit"}]}
Assign each task only files that exist in the map. `

	return map[string]string{
		TierConventions: base + `Focus on code conventions: naming, structure,
error handling, dead code, and consistency across the codebase.`,
		TierPerformance: base + `Focus on performance: N+1 queries, unbounded
loops over large data, missing indexes, oversized payloads, and render or
allocation hot spots.`,
		TierSecurity: base + `Focus on security: injection, authentication and
authorization gaps, secret handling, unsafe deserialization, and exposed
surfaces. Include one task auditing dependency manifests.`,
		TierSupabaseDeepDive: base + `Focus on Supabase usage: row level
security policies, service role key exposure, client-side queries that
belong in edge functions, and migration hygiene.`,
	}
}
