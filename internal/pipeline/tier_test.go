package pipeline

import "testing"

func TestCanonicalTier(t *testing.T) {
	cases := map[string]string{
		"shape":              TierShape,
		"conventions":        TierConventions,
		"performance":        TierPerformance,
		"security":           TierSecurity,
		"supabase_deep_dive": TierSupabaseDeepDive,
		"lite":               TierShape,
		"deep":               TierConventions,
		"ultra":              TierSecurity,
		"  Security  ":       TierSecurity,
		"LITE":               TierShape,
	}
	for in, want := range cases {
		got, ok := CanonicalTier(in)
		if !ok || got != want {
			t.Fatalf("CanonicalTier(%q) = %q/%v, want %q", in, got, ok, want)
		}
	}

	for _, bad := range []string{"", "premium", "shape2"} {
		if _, ok := CanonicalTier(bad); ok {
			t.Fatalf("CanonicalTier(%q) should be rejected", bad)
		}
	}
}

func TestOnlyShapeIsFree(t *testing.T) {
	if !Free(TierShape) {
		t.Fatal("shape is the free tier")
	}
	for _, tier := range []string{TierConventions, TierPerformance, TierSecurity, TierSupabaseDeepDive} {
		if Free(tier) {
			t.Fatalf("%s must not be free", tier)
		}
	}
}

func TestMaxWorkersPerTier(t *testing.T) {
	if maxWorkers(TierShape) != 1 {
		t.Fatal("shape runs a single worker")
	}
	if maxWorkers(TierConventions) != 3 {
		t.Fatal("conventions caps at 3 workers")
	}
	if maxWorkers(TierSecurity) != 5 {
		t.Fatal("security caps at 5 workers")
	}
}

func TestDefaultTierPromptsCoverPaidTiers(t *testing.T) {
	prompts := DefaultTierPrompts()
	for _, tier := range []string{TierConventions, TierPerformance, TierSecurity, TierSupabaseDeepDive} {
		if prompts[tier] == "" {
			t.Fatalf("missing default prompt for %s", tier)
		}
	}
	if _, ok := prompts[TierShape]; ok {
		t.Fatal("shape needs no planner prompt")
	}
}
