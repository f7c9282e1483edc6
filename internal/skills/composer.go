package skills

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// tierWeights are the coverage weights used by AnalyzeCoverage.
var tierWeights = map[Tier]float64{
	TierMeta:      0.4,
	TierComposite: 0.35,
	TierBasic:     0.25,
}

// Composer performs task-driven composition: candidate retrieval,
// dependency closure, topological ordering, coverage analysis and
// multi-strategy suggestion. It reads through the Repository and
// VectorIndex but owns no persistent state of its own.
type Composer struct {
	repo  *Repository
	index *VectorIndex
}

func newComposer(repo *Repository, index *VectorIndex) *Composer {
	return &Composer{repo: repo, index: index}
}

// ComposeForTask is the primary task-driven composition algorithm.
func (c *Composer) ComposeForTask(ctx context.Context, task string, maxSkills int) (*Plan, error) {
	k := maxSkills * 3
	if k < 15 {
		k = 15
	}

	candidates, err := c.index.Query(ctx, task, k, nil)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Plan{Entries: []PlanEntry{}}, nil
	}

	return c.composeFromCandidates(ctx, candidates, maxSkills)
}

// composeFromCandidates hydrates candidates against the Repository, expands
// the dependency closure, orders it topologically and truncates to
// maxSkills. Shared by ComposeForTask and the tier-first strategies used by
// SuggestCompositions.
func (c *Composer) composeFromCandidates(ctx context.Context, candidates []ScoredName, maxSkills int) (*Plan, error) {
	hydrated := make(map[string]*Skill)
	relevanceRank := make(map[string]int)
	relevanceScore := make(map[string]float64)
	var roots []string

	for i, cand := range candidates {
		sk, err := c.repo.GetSkill(ctx, cand.Name)
		if err != nil {
			continue // drop: not present in the Repository
		}
		if _, seen := hydrated[cand.Name]; seen {
			continue // dedupe by name
		}
		hydrated[cand.Name] = sk
		relevanceRank[cand.Name] = i
		relevanceScore[cand.Name] = cand.Score
		roots = append(roots, cand.Name)
	}

	if len(roots) == 0 {
		return &Plan{Entries: []PlanEntry{}}, nil
	}

	depsCache := map[string][]string{}
	depsOf := func(name string) []string {
		if deps, ok := depsCache[name]; ok {
			return deps
		}
		sk, ok := hydrated[name]
		if !ok {
			var err error
			sk, err = c.repo.GetSkill(ctx, name)
			if err != nil {
				depsCache[name] = nil
				return nil
			}
			hydrated[name] = sk
		}
		depsCache[name] = sk.Dependencies
		return sk.Dependencies
	}

	g, warnings := buildClosure(roots, depsOf)
	for _, w := range warnings {
		log.Warn().Str("component", "composer").Msg(w)
	}

	keys := make(map[string]tieBreakKey, len(g.nodes))
	lowestRelevance := len(candidates)
	for n := range g.nodes {
		sk, ok := hydrated[n]
		if !ok {
			sk, _ = c.repo.GetSkill(ctx, n)
			if sk != nil {
				hydrated[n] = sk
			}
		}
		tierRank := 3
		if sk != nil {
			tierRank = sk.SkillType.rank()
		}
		rank, ok := relevanceRank[n]
		if !ok {
			rank = lowestRelevance // closure-only nodes sort after directly retrieved ones
		}
		keys[n] = tieBreakKey{Name: n, TierRank: tierRank, RelevanceRank: rank}
	}

	order, ok := topologicalOrder(g, keys)
	if !ok {
		warnings = append(warnings, "topological sort could not fully order the closure; skills left in a cycle were omitted from the plan")
	}

	entries := c.truncate(order, hydrated, relevanceScore, maxSkills)
	return &Plan{Entries: entries, Warnings: warnings}, nil
}

// truncate keeps the first maxSkills entries in order, then cascades: if
// truncation dropped a dependency of a retained skill, the retained skill is
// also dropped.
func (c *Composer) truncate(order []string, hydrated map[string]*Skill, relevanceScore map[string]float64, maxSkills int) []PlanEntry {
	if maxSkills > 0 && maxSkills < len(order) {
		order = order[:maxSkills]
	}

	kept := make(map[string]bool, len(order))
	for _, n := range order {
		kept[n] = true
	}

	changed := true
	for changed {
		changed = false
		for _, n := range order {
			if !kept[n] {
				continue
			}
			sk := hydrated[n]
			if sk == nil {
				continue
			}
			for _, dep := range sk.Dependencies {
				if !kept[dep] {
					if _, everKnown := hydrated[dep]; everKnown {
						kept[n] = false
						changed = true
						break
					}
				}
			}
		}
	}

	entries := make([]PlanEntry, 0, len(order))
	step := 0
	for _, n := range order {
		if !kept[n] {
			continue
		}
		sk := hydrated[n]
		if sk == nil {
			continue
		}
		entries = append(entries, PlanEntry{
			Skill:          sk,
			RelevanceScore: relevanceScore[n],
			StepIndex:      step,
		})
		step++
	}
	return entries
}

// ValidateComposition checks a plan for dependency ordering, duplicates and
// unknown types.
func (c *Composer) ValidateComposition(plan *Plan) *ValidationResult {
	result := &ValidationResult{Valid: true, SkillCount: len(plan.Entries)}
	result.Warnings = append(result.Warnings, plan.Warnings...)

	seen := make(map[string]int) // name -> step index
	for _, e := range plan.Entries {
		if _, dup := seen[e.Skill.Name]; dup {
			result.Issues = append(result.Issues, fmt.Sprintf("duplicate skill in plan: %s", e.Skill.Name))
			result.Valid = false
			continue
		}
		seen[e.Skill.Name] = e.StepIndex

		if !e.Skill.SkillType.Valid() {
			result.Issues = append(result.Issues, fmt.Sprintf("unknown skill_type for %s", e.Skill.Name))
			result.Valid = false
		}
	}

	for _, e := range plan.Entries {
		for _, dep := range e.Skill.Dependencies {
			depStep, included := seen[dep]
			if !included {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s depends on %s, which is not in the plan", e.Skill.Name, dep))
				continue
			}
			if depStep >= e.StepIndex {
				result.Issues = append(result.Issues, fmt.Sprintf("%s appears before its dependency %s", e.Skill.Name, dep))
				result.Valid = false
			}
		}
	}

	return result
}

// coverageBand maps a coverage scalar to the three documented recommendation
// bands.
func coverageBand(coverage float64) string {
	switch {
	case coverage < 0.4:
		return "insufficient: existing skills are unlikely to cover this task; consider authoring new skills"
	case coverage <= 0.7:
		return "partial: some relevant skills exist, but coverage is incomplete"
	default:
		return "good: existing skills plausibly cover this task"
	}
}

// AnalyzeCoverage returns a scalar in [0,1] plus per-tier breakdown.
func (c *Composer) AnalyzeCoverage(ctx context.Context, task string) (*CoverageResult, error) {
	tierScore := func(t Tier) (float64, error) {
		tt := t
		results, err := c.index.Query(ctx, task, 1, &tt)
		if err != nil {
			return 0, err
		}
		if len(results) == 0 {
			return 0, nil
		}
		s := results[0].Score
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		return s, nil
	}

	meta, err := tierScore(TierMeta)
	if err != nil {
		return nil, err
	}
	composite, err := tierScore(TierComposite)
	if err != nil {
		return nil, err
	}
	basic, err := tierScore(TierBasic)
	if err != nil {
		return nil, err
	}

	overall := meta*tierWeights[TierMeta] + composite*tierWeights[TierComposite] + basic*tierWeights[TierBasic]

	return &CoverageResult{
		OverallCoverage:   overall,
		MetaCoverage:      meta,
		CompositeCoverage: composite,
		BasicCoverage:     basic,
		Recommendation:    coverageBand(overall),
	}, nil
}

// SuggestCompositions returns up to n alternative plans generated by three
// tier-first strategies, deduplicated by the sequence of names.
func (c *Composer) SuggestCompositions(ctx context.Context, task string, n int) ([]*Plan, error) {
	strategies := []Tier{TierMeta, TierComposite, TierBasic}

	k := n * 5
	if k < 15 {
		k = 15
	}

	var plans []*Plan
	seenSequences := make(map[string]bool)

	for _, tier := range strategies {
		t := tier
		candidates, err := c.index.Query(ctx, task, k, &t)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			continue
		}

		plan, err := c.composeFromCandidates(ctx, candidates, k)
		if err != nil {
			return nil, err
		}
		if len(plan.Entries) == 0 {
			continue
		}

		seq := fmt.Sprint(plan.Names())
		if seenSequences[seq] {
			continue
		}
		seenSequences[seq] = true
		plans = append(plans, plan)

		if len(plans) >= n {
			break
		}
	}

	return plans, nil
}

// HierarchicalSearch runs three independent filtered queries, one per tier.
func (c *Composer) HierarchicalSearch(ctx context.Context, query string, perLevel int) (*HierarchicalResult, error) {
	meta := TierMeta
	composite := TierComposite
	basic := TierBasic

	metaResults, err := c.index.Query(ctx, query, perLevel, &meta)
	if err != nil {
		return nil, err
	}
	compositeResults, err := c.index.Query(ctx, query, perLevel, &composite)
	if err != nil {
		return nil, err
	}
	basicResults, err := c.index.Query(ctx, query, perLevel, &basic)
	if err != nil {
		return nil, err
	}

	return &HierarchicalResult{
		Meta:      metaResults,
		Composite: compositeResults,
		Basic:     basicResults,
	}, nil
}
