package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Manager is the single entry point into SMC: it owns the Repository and
// the VectorIndex, instantiates the Composer on demand, and enforces
// cross-component invariants (synchronization policy, import/export,
// system statistics). The Manager holds its handles as explicit fields —
// a second storage_dir in the same process yields an independent Manager
// with independent handles, never shared global state.
type Manager struct {
	cfg     *Config
	st      *store
	history *historyLog
	repo    *Repository
	index   *VectorIndex
	sched   *maintenanceScheduler
}

// NewManager opens (or creates) the storage layout under cfg.StorageDir and
// wires the Repository and VectorIndex together. embedderFactory is not
// invoked until the VectorIndex's first operation that needs embedding.
func NewManager(cfg *Config, embedderFactory func() (Embedder, error)) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	return newManagerWithStore(cfg, st, embedderFactory)
}

// newManagerForTest builds a Manager over an in-memory database, used by the
// test suite so no database file is created. The history log still lives on
// disk under cfg.StorageDir (the working directory when it is empty).
func newManagerForTest(cfg *Config, embedderFactory func() (Embedder, error)) (*Manager, error) {
	st, err := openMemoryStore()
	if err != nil {
		return nil, err
	}
	return newManagerWithStore(cfg, st, embedderFactory)
}

func newManagerWithStore(cfg *Config, st *store, embedderFactory func() (Embedder, error)) (*Manager, error) {
	history, err := newHistoryLog(cfg.StorageDir)
	if err != nil {
		st.close()
		return nil, err
	}

	repo := newRepository(st, history)
	index := NewVectorIndex(cfg, cfg.StorageDir, embedderFactory)
	if err := index.Load(); err != nil {
		log.Warn().Err(err).Msg("vector index could not be loaded from disk, starting empty")
	}

	return &Manager{cfg: cfg, st: st, history: history, repo: repo, index: index}, nil
}

// Close releases the underlying database handle and stops any running
// maintenance scheduler.
func (m *Manager) Close() error {
	if m.sched != nil {
		m.sched.stop()
	}
	return m.st.close()
}

// AddSkill creates a skill and, under auto_sync, upserts its vector entry
// before returning. A vector-sync failure is logged and does not fail the
// call — the Repository write is authoritative.
func (m *Manager) AddSkill(ctx context.Context, name, content string, skillType Tier, description string, tags, dependencies []string) (int64, error) {
	id, err := m.repo.AddSkill(ctx, name, content, skillType, description, tags, dependencies)
	if err != nil {
		return 0, err
	}

	if m.cfg.AutoSync {
		text := embeddingText(name, description, content)
		if err := m.index.Add(ctx, name, skillType, text); err != nil {
			log.Warn().Str("skill", name).Err(err).Msg("auto-sync vector add failed; call RebuildIndex to repair")
		}
	}

	return id, nil
}

// UpdateSkill updates a skill's content and, under auto_sync, re-upserts its
// vector entry.
func (m *Manager) UpdateSkill(ctx context.Context, name, newContent, changeDescription string) (int, error) {
	version, err := m.repo.UpdateSkill(ctx, name, newContent, changeDescription)
	if err != nil {
		return 0, err
	}

	if m.cfg.AutoSync {
		sk, err := m.repo.GetSkill(ctx, name)
		if err != nil {
			log.Warn().Str("skill", name).Err(err).Msg("could not reload skill for vector re-sync")
			return version, nil
		}
		text := embeddingText(sk.Name, sk.Description, sk.Content)
		if err := m.index.Update(ctx, name, sk.SkillType, text); err != nil {
			log.Warn().Str("skill", name).Err(err).Msg("auto-sync vector update failed; call RebuildIndex to repair")
		}
	}

	return version, nil
}

// DeleteSkill cascades the Repository delete and, under auto_sync, removes
// the vector entry.
func (m *Manager) DeleteSkill(ctx context.Context, name string) (bool, error) {
	deleted, err := m.repo.DeleteSkill(ctx, name)
	if err != nil || !deleted {
		return deleted, err
	}

	if m.cfg.AutoSync {
		m.index.Remove(name)
	}
	return true, nil
}

func (m *Manager) GetSkill(ctx context.Context, name string) (*Skill, error) {
	return m.repo.GetSkill(ctx, name)
}

func (m *Manager) ListSkills(ctx context.Context, skillType *Tier, tags []string) ([]*Skill, error) {
	return m.repo.ListSkills(ctx, skillType, tags)
}

func (m *Manager) SetDependencies(ctx context.Context, name string, deps []string) error {
	return m.repo.SetDependencies(ctx, name, deps)
}

func (m *Manager) RecordExecution(ctx context.Context, name string, success bool, elapsedMS *float64, execCtx map[string]any) error {
	return m.repo.RecordExecution(ctx, name, success, elapsedMS, execCtx)
}

func (m *Manager) GetHistory(ctx context.Context, name string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = m.cfg.HistoryTailDefault
	}
	return m.repo.GetHistory(ctx, name, limit)
}

// SkillMatch is a scored, hydrated search result.
type SkillMatch struct {
	Skill *Skill
	Score float64
}

// SearchSkills queries the VectorIndex and hydrates matches against the
// Repository, dropping any candidate the Repository no longer has (divergence
// between the two is tolerated, not an error). k=0 returns [] without
// contacting the index.
func (m *Manager) SearchSkills(ctx context.Context, query string, k int, skillType *Tier) ([]SkillMatch, error) {
	if k <= 0 {
		return []SkillMatch{}, nil
	}

	results, err := m.index.Query(ctx, query, k, skillType)
	if err != nil {
		return nil, err
	}

	matches := make([]SkillMatch, 0, len(results))
	for _, r := range results {
		sk, err := m.repo.GetSkill(ctx, r.Name)
		if err != nil {
			continue
		}
		matches = append(matches, SkillMatch{Skill: sk, Score: r.Score})
	}
	return matches, nil
}

func (m *Manager) composer() *Composer {
	return newComposer(m.repo, m.index)
}

func (m *Manager) ComposeForTask(ctx context.Context, task string, maxSkills int) (*Plan, error) {
	return m.composer().ComposeForTask(ctx, task, maxSkills)
}

func (m *Manager) ValidateComposition(plan *Plan) *ValidationResult {
	return m.composer().ValidateComposition(plan)
}

func (m *Manager) AnalyzeCoverage(ctx context.Context, task string) (*CoverageResult, error) {
	return m.composer().AnalyzeCoverage(ctx, task)
}

func (m *Manager) SuggestCompositions(ctx context.Context, task string, n int) ([]*Plan, error) {
	return m.composer().SuggestCompositions(ctx, task, n)
}

func (m *Manager) HierarchicalSearch(ctx context.Context, query string, perLevel int) (*HierarchicalResult, error) {
	return m.composer().HierarchicalSearch(ctx, query, perLevel)
}

// RebuildIndex iterates all skills, produces fresh embeddings and rebuilds
// the VectorIndex from scratch. This is the canonical catch-up path for
// divergence introduced by auto_sync failures or bulk imports performed with
// auto_sync=false.
func (m *Manager) RebuildIndex(ctx context.Context) error {
	all, err := m.repo.ListSkills(ctx, nil, nil)
	if err != nil {
		return err
	}

	sources := make([]skillSource, len(all))
	for i, sk := range all {
		sources[i] = skillSource{Name: sk.Name, SkillType: sk.SkillType, Description: sk.Description, Content: sk.Content}
	}

	return m.index.Rebuild(ctx, sources)
}

// Sync is the explicit catch-up path for auto_sync=false hosts performing
// bulk imports. This implementation treats it as a plain alias of
// RebuildIndex; see DESIGN.md for the reasoning.
func (m *Manager) Sync(ctx context.Context) error {
	return m.RebuildIndex(ctx)
}

// GetSystemStats totals skills by type, usage and success counters, and the
// overall success rate.
func (m *Manager) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	all, err := m.repo.ListSkills(ctx, nil, nil)
	if err != nil {
		return nil, err
	}

	stats := &SystemStats{ByType: map[Tier]int64{}}
	var totalUsage, totalSuccess int64
	for _, sk := range all {
		stats.TotalSkills++
		stats.ByType[sk.SkillType]++
		totalUsage += sk.UsageCount
		totalSuccess += sk.SuccessCount
	}
	stats.TotalUsageCount = totalUsage
	stats.TotalSuccessCount = totalSuccess
	if totalUsage > 0 {
		stats.OverallSuccessRate = float64(totalSuccess) / float64(totalUsage)
	}
	return stats, nil
}

// frontMatterDelim is the YAML front-matter fence used by export/import.
const frontMatterDelim = "---"

// ExportSkill writes the skill's current content to path, prefixed with a
// YAML front-matter block of name/description/skill_type/tags.
func (m *Manager) ExportSkill(ctx context.Context, name, path string) error {
	sk, err := m.repo.GetSkill(ctx, name)
	if err != nil {
		return err
	}

	fm := map[string]any{
		"name":        sk.Name,
		"description": sk.Description,
		"skill_type":  string(sk.SkillType),
		"tags":        sk.Tags,
	}
	fmBytes, err := yaml.Marshal(fm)
	if err != nil {
		return errIOFailure("export_skill", name, err)
	}

	var sb strings.Builder
	sb.WriteString(frontMatterDelim + "\n")
	sb.Write(fmBytes)
	sb.WriteString(frontMatterDelim + "\n")
	sb.WriteString(sk.Content)

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return errIOFailure("export_skill", name, err)
	}
	return nil
}

// ImportSkillFromFile parses the front matter written by ExportSkill (or
// falls back to {name: filename stem, skill_type: basic, description: ""}
// when absent) and calls AddSkill. A name collision with an existing skill
// fails with DuplicateName rather than silently overwriting.
func (m *Manager) ImportSkillFromFile(ctx context.Context, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errIOFailure("import_skill_from_file", path, err)
	}

	name, description, skillType, tags, content, err := parseFrontMatter(string(data))
	if err != nil {
		return 0, errIOFailure("import_skill_from_file", path, err)
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		description = ""
		skillType = TierBasic
	}

	return m.AddSkill(ctx, name, content, skillType, description, tags, nil)
}

func parseFrontMatter(raw string) (name, description string, skillType Tier, tags []string, content string, err error) {
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontMatterDelim {
		return "", "", "", nil, raw, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontMatterDelim {
			end = i
			break
		}
	}
	if end == -1 {
		return "", "", "", nil, raw, nil
	}

	fmBlock := strings.Join(lines[1:end], "\n")
	var fm struct {
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		SkillType   string   `yaml:"skill_type"`
		Tags        []string `yaml:"tags"`
	}
	if err := yaml.Unmarshal([]byte(fmBlock), &fm); err != nil {
		return "", "", "", nil, "", fmt.Errorf("parse front matter: %w", err)
	}

	body := strings.Join(lines[end+1:], "\n")
	body = strings.TrimPrefix(body, "\n")

	st := Tier(fm.SkillType)
	if !st.Valid() {
		st = TierBasic
	}
	return fm.Name, fm.Description, st, fm.Tags, body, nil
}
