package skills

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Repository is the sole owner of structured persistent state: skills,
// versions, dependencies, tags, per-skill stats and the execution history
// log. All multi-row writes are transactional — a failure leaves no visible
// side effect. Safe for concurrent readers and a single writer per process;
// see store.mu.
type Repository struct {
	st      *store
	history *historyLog
}

// newRepository wires a Repository to an already-open store and history log.
func newRepository(st *store, history *historyLog) *Repository {
	return &Repository{st: st, history: history}
}

// AddSkill inserts a new skill at version 1, its dependency edges and tags,
// and an empty metadata row, all within one transaction.
func (r *Repository) AddSkill(ctx context.Context, name, content string, skillType Tier, description string, tags, dependencies []string) (int64, error) {
	if !skillType.Valid() {
		return 0, errInvalidType("add_skill", name)
	}

	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var id int64
	now := time.Now().UTC()

	err := r.st.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM skills WHERE name = ?`, name).Scan(&exists); err == nil {
			return errDuplicateName("add_skill", name)
		} else if err != sql.ErrNoRows {
			return errIntegrity("add_skill", name, err)
		}

		for _, dep := range dependencies {
			var depExists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM skills WHERE name = ?`, dep).Scan(&depExists); err == sql.ErrNoRows {
				return errUnknownDependency("add_skill", dep)
			} else if err != nil {
				return errIntegrity("add_skill", name, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO skills (name, skill_type, description, content, version, usage_count, success_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, 0, 0, ?, ?)
		`, name, string(skillType), description, content, now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return errIntegrity("add_skill", name, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return errIntegrity("add_skill", name, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO skill_versions (skill_id, version, content, change_description, created_at)
			VALUES (?, 1, ?, 'Initial version', ?)
		`, id, content, now.Format(time.RFC3339)); err != nil {
			return errIntegrity("add_skill", name, err)
		}

		for _, dep := range dependencies {
			var depID int64
			if err := tx.QueryRowContext(ctx, `SELECT id FROM skills WHERE name = ?`, dep).Scan(&depID); err != nil {
				return errIntegrity("add_skill", name, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO skill_dependencies (skill_id, depends_on_skill_id, type) VALUES (?, ?, 'required')
			`, id, depID); err != nil {
				return errIntegrity("add_skill", name, err)
			}
		}

		for _, tag := range tags {
			if tag == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO skill_tags (skill_id, tag) VALUES (?, ?)
			`, id, tag); err != nil {
				return errIntegrity("add_skill", name, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO skill_metadata (skill_id, average_execution_time_ms, metadata_json) VALUES (?, 0, '{}')
		`, id); err != nil {
			return errIntegrity("add_skill", name, err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Info().Str("skill", name).Str("type", string(skillType)).Msg("skill added")
	return id, nil
}

// UpdateSkill increments the version, records the new content as the new
// version's row in skill_versions, and overwrites content/version/updated_at
// on the main row.
func (r *Repository) UpdateSkill(ctx context.Context, name, newContent, changeDescription string) (int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var newVersion int
	now := time.Now().UTC()

	err := r.st.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		var version int
		err := tx.QueryRowContext(ctx, `SELECT id, version FROM skills WHERE name = ?`, name).Scan(&id, &version)
		if err == sql.ErrNoRows {
			return errUnknownSkill("update_skill", name)
		}
		if err != nil {
			return errIntegrity("update_skill", name, err)
		}

		newVersion = version + 1

		if _, err := tx.ExecContext(ctx, `
			UPDATE skills SET content = ?, version = ?, updated_at = ? WHERE id = ?
		`, newContent, newVersion, now.Format(time.RFC3339), id); err != nil {
			return errIntegrity("update_skill", name, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO skill_versions (skill_id, version, content, change_description, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, newVersion, newContent, changeDescription, now.Format(time.RFC3339)); err != nil {
			return errIntegrity("update_skill", name, err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Info().Str("skill", name).Int("version", newVersion).Msg("skill updated")
	return newVersion, nil
}

// DeleteSkill cascades to versions, dependencies, tags, metadata and the
// history log. Idempotent on an absent name: returns (false, nil).
func (r *Repository) DeleteSkill(ctx context.Context, name string) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	var existed bool

	err := r.st.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM skills WHERE name = ?`, name).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errIntegrity("delete_skill", name, err)
		}
		existed = true

		if _, err := tx.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id); err != nil {
			return errIntegrity("delete_skill", name, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}

	if err := r.history.remove(name); err != nil {
		log.Warn().Str("skill", name).Err(err).Msg("failed to remove history log on delete")
	}

	log.Info().Str("skill", name).Msg("skill deleted")
	return true, nil
}

// GetSkill hydrates a skill with its tags and dependency names.
func (r *Repository) GetSkill(ctx context.Context, name string) (*Skill, error) {
	row := r.st.db.QueryRowContext(ctx, `
		SELECT id, name, skill_type, description, content, version, usage_count, success_count, created_at, updated_at
		FROM skills WHERE name = ?
	`, name)

	sk, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, errUnknownSkill("get_skill", name)
	}
	if err != nil {
		return nil, errIntegrity("get_skill", name, err)
	}

	if err := r.hydrate(ctx, sk); err != nil {
		return nil, errIntegrity("get_skill", name, err)
	}
	return sk, nil
}

func scanSkill(row *sql.Row) (*Skill, error) {
	var sk Skill
	var skillType, createdAt, updatedAt string
	if err := row.Scan(&sk.ID, &sk.Name, &skillType, &sk.Description, &sk.Content, &sk.Version, &sk.UsageCount, &sk.SuccessCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sk.SkillType = Tier(skillType)
	sk.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sk.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &sk, nil
}

func (r *Repository) hydrate(ctx context.Context, sk *Skill) error {
	tagRows, err := r.st.db.QueryContext(ctx, `SELECT tag FROM skill_tags WHERE skill_id = ? ORDER BY tag`, sk.ID)
	if err != nil {
		return err
	}
	defer tagRows.Close()
	sk.Tags = nil
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			return err
		}
		sk.Tags = append(sk.Tags, tag)
	}

	depRows, err := r.st.db.QueryContext(ctx, `
		SELECT s2.name FROM skill_dependencies sd
		JOIN skills s2 ON s2.id = sd.depends_on_skill_id
		WHERE sd.skill_id = ? ORDER BY s2.name
	`, sk.ID)
	if err != nil {
		return err
	}
	defer depRows.Close()
	sk.Dependencies = nil
	for depRows.Next() {
		var dep string
		if err := depRows.Scan(&dep); err != nil {
			return err
		}
		sk.Dependencies = append(sk.Dependencies, dep)
	}

	var avg float64
	var lastExec sql.NullString
	err = r.st.db.QueryRowContext(ctx,
		`SELECT average_execution_time_ms, last_execution_at FROM skill_metadata WHERE skill_id = ?`, sk.ID,
	).Scan(&avg, &lastExec)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	sk.AvgExecutionMS = avg
	if lastExec.Valid {
		t, err := time.Parse(time.RFC3339, lastExec.String)
		if err == nil {
			sk.LastExecutionAt = &t
		}
	}
	return nil
}

// ListSkills returns hydrated skills optionally filtered by type and/or the
// presence of all given tags.
func (r *Repository) ListSkills(ctx context.Context, skillType *Tier, tags []string) ([]*Skill, error) {
	query := `SELECT id, name, skill_type, description, content, version, usage_count, success_count, created_at, updated_at FROM skills`
	var args []any
	var conds []string

	if skillType != nil {
		conds = append(conds, "skill_type = ?")
		args = append(args, string(*skillType))
	}
	if len(conds) > 0 {
		query += " WHERE " + conds[0]
	}
	query += " ORDER BY name"

	rows, err := r.st.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errIntegrity("list_skills", "", err)
	}
	defer rows.Close()

	var result []*Skill
	for rows.Next() {
		var sk Skill
		var st, createdAt, updatedAt string
		if err := rows.Scan(&sk.ID, &sk.Name, &st, &sk.Description, &sk.Content, &sk.Version, &sk.UsageCount, &sk.SuccessCount, &createdAt, &updatedAt); err != nil {
			return nil, errIntegrity("list_skills", "", err)
		}
		sk.SkillType = Tier(st)
		sk.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		sk.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		if err := r.hydrate(ctx, &sk); err != nil {
			return nil, errIntegrity("list_skills", sk.Name, err)
		}
		result = append(result, &sk)
	}

	if len(tags) == 0 {
		if result == nil {
			result = []*Skill{}
		}
		return result, nil
	}

	filtered := result[:0]
	for _, sk := range result {
		if hasAllTags(sk.Tags, tags) {
			filtered = append(filtered, sk)
		}
	}
	if filtered == nil {
		filtered = []*Skill{}
	}
	return filtered, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// SetDependencies replaces a skill's dependency edge set atomically.
func (r *Repository) SetDependencies(ctx context.Context, name string, deps []string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	return r.st.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM skills WHERE name = ?`, name).Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				return errUnknownSkill("set_dependencies", name)
			}
			return errIntegrity("set_dependencies", name, err)
		}

		depIDs := make([]int64, 0, len(deps))
		for _, dep := range deps {
			var depID int64
			if err := tx.QueryRowContext(ctx, `SELECT id FROM skills WHERE name = ?`, dep).Scan(&depID); err != nil {
				if err == sql.ErrNoRows {
					return errUnknownDependency("set_dependencies", dep)
				}
				return errIntegrity("set_dependencies", name, err)
			}
			if depID == id {
				return errIntegrity("set_dependencies", name, fmt.Errorf("skill cannot depend on itself"))
			}
			depIDs = append(depIDs, depID)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM skill_dependencies WHERE skill_id = ?`, id); err != nil {
			return errIntegrity("set_dependencies", name, err)
		}
		for _, depID := range depIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO skill_dependencies (skill_id, depends_on_skill_id, type) VALUES (?, ?, 'required')
			`, id, depID); err != nil {
				return errIntegrity("set_dependencies", name, err)
			}
		}
		return nil
	})
}

// RecordExecution atomically updates usage/success counters and the EMA of
// execution time, then appends a diagnostic history-log line. A failure to
// append must not roll back the counter update.
func (r *Repository) RecordExecution(ctx context.Context, name string, success bool, elapsedMS *float64, execCtx map[string]any) error {
	r.st.mu.Lock()

	now := time.Now().UTC()
	err := r.st.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		var usageCount int64
		var priorAvg float64
		err := tx.QueryRowContext(ctx, `SELECT id, usage_count FROM skills WHERE name = ?`, name).Scan(&id, &usageCount)
		if err == sql.ErrNoRows {
			return errUnknownSkill("record_execution", name)
		}
		if err != nil {
			return errIntegrity("record_execution", name, err)
		}

		if err := tx.QueryRowContext(ctx, `SELECT average_execution_time_ms FROM skill_metadata WHERE skill_id = ?`, id).Scan(&priorAvg); err != nil && err != sql.ErrNoRows {
			return errIntegrity("record_execution", name, err)
		}

		successIncrement := 0
		if success {
			successIncrement = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE skills SET usage_count = usage_count + 1, success_count = success_count + ?, updated_at = ? WHERE id = ?
		`, successIncrement, now.Format(time.RFC3339), id); err != nil {
			return errIntegrity("record_execution", name, err)
		}

		newAvg := priorAvg
		if elapsedMS != nil {
			newAvg = updateEMA(priorAvg, usageCount, *elapsedMS)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO skill_metadata (skill_id, last_execution_at, average_execution_time_ms, metadata_json)
			VALUES (?, ?, ?, '{}')
			ON CONFLICT(skill_id) DO UPDATE SET last_execution_at = excluded.last_execution_at, average_execution_time_ms = excluded.average_execution_time_ms
		`, id, now.Format(time.RFC3339), newAvg); err != nil {
			return errIntegrity("record_execution", name, err)
		}

		return nil
	})
	r.st.mu.Unlock()

	if err != nil {
		return err
	}

	rec := r.history.newRecord(success, elapsedMS, execCtx)
	if err := r.history.append(name, rec); err != nil {
		log.Warn().Str("skill", name).Err(err).Msg("history log append failed; stats were still updated")
	}

	return nil
}

// GetHistory returns the tail of a skill's execution history log.
func (r *Repository) GetHistory(ctx context.Context, name string, limit int) ([]ExecutionRecord, error) {
	return r.history.tail(name, limit)
}

// GetVersion returns a specific historical snapshot of a skill's content.
func (r *Repository) GetVersion(ctx context.Context, name string, version int) (*SkillVersion, error) {
	var id int64
	if err := r.st.db.QueryRowContext(ctx, `SELECT id FROM skills WHERE name = ?`, name).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errUnknownSkill("get_version", name)
		}
		return nil, errIntegrity("get_version", name, err)
	}

	var sv SkillVersion
	var createdAt string
	err := r.st.db.QueryRowContext(ctx, `
		SELECT skill_id, version, content, change_description, created_at FROM skill_versions
		WHERE skill_id = ? AND version = ?
	`, id, version).Scan(&sv.SkillID, &sv.Version, &sv.Content, &sv.ChangeDescription, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errUnknownSkill("get_version", fmt.Sprintf("%s@%d", name, version))
	}
	if err != nil {
		return nil, errIntegrity("get_version", name, err)
	}
	sv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &sv, nil
}

// ListVersions returns all version snapshots for a skill, oldest first, as
// a gapless {1..version} row sequence rather than a parent-pointer chain.
func (r *Repository) ListVersions(ctx context.Context, name string) ([]*SkillVersion, error) {
	var id int64
	if err := r.st.db.QueryRowContext(ctx, `SELECT id FROM skills WHERE name = ?`, name).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errUnknownSkill("list_versions", name)
		}
		return nil, errIntegrity("list_versions", name, err)
	}

	rows, err := r.st.db.QueryContext(ctx, `
		SELECT skill_id, version, content, change_description, created_at FROM skill_versions
		WHERE skill_id = ? ORDER BY version ASC
	`, id)
	if err != nil {
		return nil, errIntegrity("list_versions", name, err)
	}
	defer rows.Close()

	var versions []*SkillVersion
	for rows.Next() {
		var sv SkillVersion
		var createdAt string
		if err := rows.Scan(&sv.SkillID, &sv.Version, &sv.Content, &sv.ChangeDescription, &createdAt); err != nil {
			return nil, errIntegrity("list_versions", name, err)
		}
		sv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		versions = append(versions, &sv)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}
