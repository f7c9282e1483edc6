package skills

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Default M/ef parameters. The VectorIndex records them and persists them
// with the index file; the bucket-hash index below has no graph to build or
// search, so they do not affect Add or Query.
const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 50

	// bucketDims partitions the embedding space with a lightweight
	// locality-sensitive hash (one bit per segment, so up to 2^bucketDims
	// buckets) so query() only has to rank a small candidate set instead of
	// every live slot — the same bucketing strategy the reference vector
	// index uses for its in-process ANN approximation. numBuckets is not
	// used by bucketID.
	numBuckets = 16
	bucketDims = 8

	maxEmbedTextBytes = 4096
)

// slot is one live or tombstoned entry in the index.
type slot struct {
	Name      string
	SkillType Tier
	Embedding []float32
	Deleted   bool
}

// VectorIndex is an approximate nearest-neighbor index over skill text
// embeddings, keyed by skill name. It is lazily materialized: the embedder
// is not constructed until the first operation that needs it, and if
// construction fails or the embedder reports itself unavailable, the index
// degrades to returning empty results rather than erroring on query.
type VectorIndex struct {
	mu sync.RWMutex

	storageDir     string
	dim            int
	m              int
	efConstruction int
	efSearch       int
	maxElements    int

	embedderFactory func() (Embedder, error)
	embedderOnce    sync.Once
	embedder        Embedder
	embedderErr     error

	slots      []slot
	nameToSlot map[string]int
	buckets    map[string][]int
	liveCount  int
}

// NewVectorIndex constructs a VectorIndex. embedderFactory is invoked at
// most once, on first use.
func NewVectorIndex(cfg *Config, storageDir string, embedderFactory func() (Embedder, error)) *VectorIndex {
	return &VectorIndex{
		storageDir:      storageDir,
		dim:             cfg.EmbeddingDim,
		m:               cfg.M,
		efConstruction:  cfg.EfConstruction,
		efSearch:        cfg.EfSearch,
		maxElements:     cfg.MaxElements,
		embedderFactory: embedderFactory,
		nameToSlot:      make(map[string]int),
		buckets:         make(map[string][]int),
	}
}

func (v *VectorIndex) acquireEmbedder() (Embedder, error) {
	v.embedderOnce.Do(func() {
		e, err := v.embedderFactory()
		if err != nil {
			v.embedderErr = err
			return
		}
		if !e.Available() {
			v.embedderErr = errVectorUnavailable("acquire_embedder")
			return
		}
		v.embedder = e
	})
	if v.embedderErr != nil {
		return nil, v.embedderErr
	}
	return v.embedder, nil
}

func embeddingText(name, description, content string) string {
	text := name + " " + description + " " + content
	if len(text) > maxEmbedTextBytes {
		text = text[:maxEmbedTextBytes]
	}
	return text
}

// Add inserts or updates a skill's embedding. Idempotent: calling twice with
// the same name updates the existing slot in place.
func (v *VectorIndex) Add(ctx context.Context, name string, skillType Tier, text string) error {
	embedder, err := v.acquireEmbedder()
	if err != nil {
		return err
	}

	vec, err := embedder.Embed(ctx, text)
	if err != nil {
		return errVectorUnavailable("add")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if idx, ok := v.nameToSlot[name]; ok {
		v.removeFromBuckets(idx)
		v.slots[idx] = slot{Name: name, SkillType: skillType, Embedding: vec}
		v.addToBuckets(idx)
		return nil
	}

	if v.liveCount >= v.maxElements {
		return errCapacityExceeded("add")
	}

	idx := len(v.slots)
	v.slots = append(v.slots, slot{Name: name, SkillType: skillType, Embedding: vec})
	v.nameToSlot[name] = idx
	v.liveCount++
	v.addToBuckets(idx)
	return nil
}

// Update is an alias for Add: both are idempotent upserts.
func (v *VectorIndex) Update(ctx context.Context, name string, skillType Tier, text string) error {
	return v.Add(ctx, name, skillType, text)
}

// Remove tombstones a slot. The slots slice does not shrink on removal;
// Rebuild reclaims the space.
func (v *VectorIndex) Remove(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx, ok := v.nameToSlot[name]
	if !ok {
		return
	}
	v.removeFromBuckets(idx)
	v.slots[idx].Deleted = true
	delete(v.nameToSlot, name)
	v.liveCount--
}

// Query returns at most k (name, score) pairs ranked by descending cosine
// score. If skillTypeFilter is non-nil, candidates are over-fetched and
// filtered in the payload rather than at the storage layer. If the embedder
// is unavailable, returns an empty slice and no error
// — absence of vector results is a legitimate outcome.
func (v *VectorIndex) Query(ctx context.Context, text string, k int, skillTypeFilter *Tier) ([]ScoredName, error) {
	if k <= 0 {
		return []ScoredName{}, nil
	}

	embedder, err := v.acquireEmbedder()
	if err != nil {
		log.Warn().Err(err).Msg("vector query on unavailable embedder, returning empty results")
		return []ScoredName{}, nil
	}

	queryVec, err := embedder.Embed(ctx, text)
	if err != nil {
		log.Warn().Err(err).Msg("embed failed during query, returning empty results")
		return []ScoredName{}, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	fetchK := k
	if skillTypeFilter != nil {
		fetchK = k * 4
		if fetchK < 20 {
			fetchK = 20
		}
	}

	candidateIdx := v.candidateSlots(queryVec, fetchK)

	items := make([]scoredItem[string], 0, len(candidateIdx))
	for _, idx := range candidateIdx {
		s := v.slots[idx]
		if s.Deleted {
			continue
		}
		if skillTypeFilter != nil && s.SkillType != *skillTypeFilter {
			continue
		}
		items = append(items, scoredItem[string]{Item: s.Name, Score: cosineScore(queryVec, s.Embedding)})
	}

	top := topKWithScores(items, k)
	result := make([]ScoredName, len(top))
	for i, it := range top {
		result[i] = ScoredName{Name: it.Item, Score: it.Score}
	}
	return result, nil
}

// candidateSlots gathers the primary bucket, its bit-flip neighbors, and
// falls back to a full scan when bucketing yields too few candidates (small
// indices, or a query far from any populated bucket).
func (v *VectorIndex) candidateSlots(query []float32, want int) []int {
	seen := make(map[int]bool)
	var out []int

	primary := bucketID(query)
	for _, idx := range v.buckets[primary] {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	for _, b := range adjacentBuckets(primary) {
		for _, idx := range v.buckets[b] {
			if !seen[idx] {
				seen[idx] = true
				out = append(out, idx)
			}
		}
	}

	if len(out) < want {
		for idx, s := range v.slots {
			if s.Deleted || seen[idx] {
				continue
			}
			out = append(out, idx)
		}
	}
	return out
}

func (v *VectorIndex) addToBuckets(idx int) {
	id := bucketID(v.slots[idx].Embedding)
	v.buckets[id] = append(v.buckets[id], idx)
}

func (v *VectorIndex) removeFromBuckets(idx int) {
	id := bucketID(v.slots[idx].Embedding)
	list := v.buckets[id]
	for i, x := range list {
		if x == idx {
			v.buckets[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// bucketID computes a coarse locality hash: the embedding is split into
// bucketDims segments, and each segment contributes one bit based on whether
// its mean is positive.
func bucketID(embedding []float32) string {
	if len(embedding) == 0 {
		return "empty"
	}
	segLen := len(embedding) / bucketDims
	if segLen == 0 {
		segLen = 1
	}

	var sb strings.Builder
	for i := 0; i < bucketDims; i++ {
		start := i * segLen
		if start >= len(embedding) {
			sb.WriteByte('0')
			continue
		}
		end := start + segLen
		if end > len(embedding) {
			end = len(embedding)
		}
		var sum float32
		for _, v := range embedding[start:end] {
			sum += v
		}
		if sum > 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func adjacentBuckets(id string) []string {
	bits := []byte(id)
	out := make([]string, 0, len(bits))
	for i := range bits {
		flipped := make([]byte, len(bits))
		copy(flipped, bits)
		if flipped[i] == '1' {
			flipped[i] = '0'
		} else {
			flipped[i] = '1'
		}
		out = append(out, string(flipped))
	}
	return out
}

// skillSource is the minimal view Rebuild needs from the Repository, kept
// separate from *Skill so the VectorIndex has no import-time dependency on
// repository internals.
type skillSource struct {
	Name        string
	SkillType   Tier
	Description string
	Content     string
}

// Rebuild discards the current index and reconstructs it from scratch,
// embedding every supplied skill. The swap is atomic: a fresh index is built
// in memory and only replaces the live state once embedding succeeds for
// every skill, then persisted via an atomic temp-file rename.
func (v *VectorIndex) Rebuild(ctx context.Context, all []skillSource) error {
	embedder, err := v.acquireEmbedder()
	if err != nil {
		return err
	}

	fresh := &VectorIndex{
		storageDir:     v.storageDir,
		dim:            v.dim,
		m:              v.m,
		efConstruction: v.efConstruction,
		efSearch:       v.efSearch,
		maxElements:    v.maxElements,
		nameToSlot:     make(map[string]int),
		buckets:        make(map[string][]int),
	}

	for _, sk := range all {
		text := embeddingText(sk.Name, sk.Description, sk.Content)
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			return errVectorUnavailable("rebuild")
		}
		if fresh.liveCount >= fresh.maxElements {
			return errCapacityExceeded("rebuild")
		}
		idx := len(fresh.slots)
		fresh.slots = append(fresh.slots, slot{Name: sk.Name, SkillType: sk.SkillType, Embedding: vec})
		fresh.nameToSlot[sk.Name] = idx
		fresh.liveCount++
		fresh.addToBuckets(idx)
	}

	v.mu.Lock()
	v.slots = fresh.slots
	v.nameToSlot = fresh.nameToSlot
	v.buckets = fresh.buckets
	v.liveCount = fresh.liveCount
	v.mu.Unlock()

	if v.storageDir != "" {
		if err := v.Save(); err != nil {
			log.Warn().Err(err).Msg("rebuild succeeded but persisting the index failed")
		}
	}

	log.Info().Int("count", len(all)).Msg("vector index rebuilt")
	return nil
}

// persistedIndex is the gob-encoded on-disk representation of the index
// file. The name<->slot mapping is saved to its own file (mappingPath).
type persistedIndex struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int
	MaxElements    int
	Slots          []slot
}

func (v *VectorIndex) indexPath() string  { return filepath.Join(v.storageDir, "index", "skills.index") }
func (v *VectorIndex) mappingPath() string { return filepath.Join(v.storageDir, "index", "skills_mapping") }

// Save persists the index and mapping atomically: both files are written to
// a temporary location and renamed into place so a concurrent reader never
// observes a partial write.
func (v *VectorIndex) Save() error {
	v.mu.RLock()
	p := persistedIndex{
		Dim: v.dim, M: v.m, EfConstruction: v.efConstruction, EfSearch: v.efSearch,
		MaxElements: v.maxElements, Slots: v.slots,
	}
	mapping := make(map[string]int, len(v.nameToSlot))
	for k, val := range v.nameToSlot {
		mapping[k] = val
	}
	v.mu.RUnlock()

	dir := filepath.Join(v.storageDir, "index")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errIOFailure("save_index", "", err)
	}

	if err := atomicGobWrite(v.indexPath(), p); err != nil {
		return errIOFailure("save_index", "", err)
	}
	if err := atomicGobWrite(v.mappingPath(), mapping); err != nil {
		return errIOFailure("save_index", "", err)
	}
	return nil
}

// Load restores the index and mapping from disk. A missing index file is
// treated as an empty index, not an error; a file that exists but cannot be
// decoded is Corruption.
func (v *VectorIndex) Load() error {
	if _, err := os.Stat(v.indexPath()); os.IsNotExist(err) {
		return nil
	}

	f, err := os.Open(v.indexPath())
	if err != nil {
		return errCorruption("load_index", v.indexPath(), err)
	}
	defer f.Close()

	var p persistedIndex
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&p); err != nil {
		return errCorruption("load_index", v.indexPath(), err)
	}

	mf, err := os.Open(v.mappingPath())
	if err != nil {
		return errCorruption("load_index", v.mappingPath(), err)
	}
	defer mf.Close()
	var mapping map[string]int
	if err := gob.NewDecoder(bufio.NewReader(mf)).Decode(&mapping); err != nil {
		return errCorruption("load_index", v.mappingPath(), err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.dim = p.Dim
	v.m = p.M
	v.efConstruction = p.EfConstruction
	v.efSearch = p.EfSearch
	v.maxElements = p.MaxElements
	v.slots = p.Slots
	v.nameToSlot = mapping
	v.buckets = make(map[string][]int)
	v.liveCount = 0
	for idx, s := range v.slots {
		if s.Deleted {
			continue
		}
		v.addToBuckets(idx)
		v.liveCount++
	}
	return nil
}

func atomicGobWrite(path string, value any) error {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()))

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(value); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Stats reports index occupancy for diagnostics.
func (v *VectorIndex) Stats() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return map[string]any{
		"total_slots":  len(v.slots),
		"live_count":   v.liveCount,
		"bucket_count": len(v.buckets),
		"max_elements": v.maxElements,
	}
}
