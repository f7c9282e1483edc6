// Package skills implements the Skills Management Core: durable storage,
// semantic retrieval and automatic composition of reusable agent skills.
package skills

import "time"

// Tier is the role a skill plays inside a composed plan. It is a tagged
// enumeration, not a class hierarchy — tier-specific weighting lives in the
// Composer, not in the type itself.
type Tier string

const (
	TierBasic     Tier = "basic"
	TierComposite Tier = "composite"
	TierMeta      Tier = "meta"
)

// rank orders tiers for topological tie-breaking: dependencies (basic)
// sort before orchestration (meta).
func (t Tier) rank() int {
	switch t {
	case TierBasic:
		return 0
	case TierComposite:
		return 1
	case TierMeta:
		return 2
	default:
		return 3
	}
}

// Valid reports whether t is one of the three recognized tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierBasic, TierComposite, TierMeta:
		return true
	default:
		return false
	}
}

// Skill is the principal entity managed by the Repository.
type Skill struct {
	ID              int64
	Name            string
	SkillType       Tier
	Description     string
	Content         string
	Version         int
	UsageCount      int64
	SuccessCount    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Tags            []string
	Dependencies    []string // names of skills this one depends on
	AvgExecutionMS  float64
	LastExecutionAt *time.Time
}

// SuccessRate returns success_count / usage_count, or 0 when usage_count is 0.
func (s *Skill) SuccessRate() float64 {
	if s.UsageCount == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.UsageCount)
}

// SkillVersion is an immutable historical snapshot of a skill's content.
type SkillVersion struct {
	SkillID           int64
	Version           int
	Content           string
	ChangeDescription string
	CreatedAt         time.Time
}

// MetaRow holds per-skill extended counters and the free-form metadata blob.
type MetaRow struct {
	SkillID             int64
	LastExecutionAt     *time.Time
	AvgExecutionMS      float64
	EmbeddingsUpdatedAt *time.Time
	MetadataJSON        string
}

// ExecutionRecord is one append-only history log entry.
type ExecutionRecord struct {
	Timestamp       time.Time      `json:"timestamp"`
	Success         bool           `json:"success"`
	ExecutionTimeMS *float64       `json:"execution_time_ms,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

// VectorEntry is what the VectorIndex stores per skill.
type VectorEntry struct {
	ExternalID string // skill name
	Embedding  []float32
	SkillType  Tier
}

// ScoredName pairs a skill name with a similarity score in [0,1].
type ScoredName struct {
	Name  string
	Score float64
}

// PlanEntry is one step of a composition plan.
type PlanEntry struct {
	Skill          *Skill
	RelevanceScore float64
	StepIndex      int
}

// Plan is an ordered composition produced by the Composer.
type Plan struct {
	Entries  []PlanEntry
	Warnings []string
}

// Names returns the plan's skills in step order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		names[i] = e.Skill.Name
	}
	return names
}

// ValidationResult is the output of validate_composition.
type ValidationResult struct {
	Valid      bool
	Issues     []string
	Warnings   []string
	SkillCount int
}

// CoverageResult is the output of analyze_coverage.
type CoverageResult struct {
	OverallCoverage   float64
	MetaCoverage      float64
	CompositeCoverage float64
	BasicCoverage     float64
	Recommendation    string
}

// SystemStats is the output of get_system_stats.
type SystemStats struct {
	TotalSkills        int64
	ByType             map[Tier]int64
	TotalUsageCount    int64
	TotalSuccessCount  int64
	OverallSuccessRate float64
}

// HierarchicalResult is the output of hierarchical_search.
type HierarchicalResult struct {
	Meta      []ScoredName
	Composite []ScoredName
	Basic     []ScoredName
}
