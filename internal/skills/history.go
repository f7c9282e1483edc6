package skills

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// historyLog manages the append-only per-skill execution history files under
// storage_dir/history/.
type historyLog struct {
	dir string
}

func newHistoryLog(storageDir string) (*historyLog, error) {
	dir := filepath.Join(storageDir, "history")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &historyLog{dir: dir}, nil
}

// sanitizeSkillName maps a skill name to a filesystem-safe stem by replacing
// path separators with underscores.
func sanitizeSkillName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_")
	return r.Replace(name)
}

func (h *historyLog) path(skillName string) string {
	return filepath.Join(h.dir, sanitizeSkillName(skillName)+".jsonl")
}

// append writes one JSON-encoded record as a new line. Failure here is
// diagnostic only — callers must not roll back a statistics update because
// the log append failed.
func (h *historyLog) append(skillName string, rec ExecutionRecord) error {
	f, err := os.OpenFile(h.path(skillName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errIOFailure("append_history", skillName, err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return errIOFailure("append_history", skillName, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errIOFailure("append_history", skillName, err)
	}
	return nil
}

// tail returns the last limit records for a skill, tolerating a missing file
// as an empty history.
func (h *historyLog) tail(skillName string, limit int) ([]ExecutionRecord, error) {
	f, err := os.Open(h.path(skillName))
	if os.IsNotExist(err) {
		return []ExecutionRecord{}, nil
	}
	if err != nil {
		return nil, errIOFailure("get_history", skillName, err)
	}
	defer f.Close()

	var all []ExecutionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec ExecutionRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Warn().Str("skill", skillName).Err(err).Msg("skipping malformed history line")
			continue
		}
		all = append(all, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errIOFailure("get_history", skillName, err)
	}

	if limit <= 0 || limit >= len(all) {
		return all, nil
	}
	return all[len(all)-limit:], nil
}

// remove deletes a skill's history file as part of cascade deletion.
func (h *historyLog) remove(skillName string) error {
	err := os.Remove(h.path(skillName))
	if err != nil && !os.IsNotExist(err) {
		return errIOFailure("delete_skill_history", skillName, err)
	}
	return nil
}

func (h *historyLog) newRecord(success bool, elapsedMS *float64, context map[string]any) ExecutionRecord {
	return ExecutionRecord{
		Timestamp:       time.Now().UTC(),
		Success:         success,
		ExecutionTimeMS: elapsedMS,
		Context:         context,
	}
}
