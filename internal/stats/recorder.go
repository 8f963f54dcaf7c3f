// Package stats records per-hour request counts, persisted as
// usage-history.json with an optional Redis mirror.
package stats

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hollowb/antigravity-bridge/internal/store"
	"github.com/hollowb/antigravity-bridge/internal/utils"
)

const (
	hourLayout    = "2006-01-02T15"
	retentionDays = 30
	flushInterval = time.Minute
	pruneInterval = time.Hour
)

// FamilyStats holds per-model counts for one family in one hour.
type FamilyStats struct {
	Subtotal int64
	Models   map[string]int64
}

// HourStats is one hour bucket.
type HourStats struct {
	Total    int64
	Families map[string]*FamilyStats
}

// The wire shape mixes scalar and object values in one map:
// {"_total": 10, "claude": {"_subtotal": 5, "opus-4-6": 5}}.

// MarshalJSON renders the bucket in wire shape.
func (h *HourStats) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(h.Families)+1)
	out["_total"] = h.Total
	for family, fs := range h.Families {
		entry := make(map[string]int64, len(fs.Models)+1)
		entry["_subtotal"] = fs.Subtotal
		for model, count := range fs.Models {
			entry[model] = count
		}
		out[family] = entry
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire shape.
func (h *HourStats) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	h.Families = make(map[string]*FamilyStats)
	for key, value := range raw {
		if key == "_total" {
			if err := json.Unmarshal(value, &h.Total); err != nil {
				return err
			}
			continue
		}

		var models map[string]int64
		if err := json.Unmarshal(value, &models); err != nil {
			continue // tolerate unknown scalar fields
		}
		fs := &FamilyStats{Models: make(map[string]int64, len(models))}
		for model, count := range models {
			if model == "_subtotal" {
				fs.Subtotal = count
				continue
			}
			fs.Models[model] = count
		}
		h.Families[key] = fs
	}
	return nil
}

// Recorder accumulates usage counters in memory and flushes dirty
// state to disk once a minute.
type Recorder struct {
	mu      sync.Mutex
	path    string
	mirror  *store.StatsStore
	history map[string]*HourStats
	dirty   bool

	stop    chan struct{}
	started bool
}

// NewRecorder creates a recorder persisting to path. mirror may be nil.
func NewRecorder(path string, mirror *store.StatsStore) *Recorder {
	return &Recorder{
		path:    path,
		mirror:  mirror,
		history: make(map[string]*HourStats),
		stop:    make(chan struct{}),
	}
}

// Load reads the history file, migrating a legacy location first if
// the canonical file does not exist yet.
func (r *Recorder) Load(legacyPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !utils.FileExists(r.path) && legacyPath != "" && utils.FileExists(legacyPath) {
		if err := r.migrateLegacy(legacyPath); err != nil {
			utils.Warn("[UsageStats] Legacy history migration failed: %v", err)
		}
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	history := make(map[string]*HourStats)
	if err := json.Unmarshal(data, &history); err != nil {
		utils.Warn("[UsageStats] Corrupt history file, starting fresh: %v", err)
		return nil
	}
	r.history = history
	utils.Debug("[UsageStats] Loaded %d hour bucket(s)", len(history))
	return nil
}

func (r *Recorder) migrateLegacy(legacyPath string) error {
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return err
	}
	if err := utils.EnsureParentDir(r.path); err != nil {
		return err
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return err
	}
	utils.Info("[UsageStats] Migrated usage history from %s", legacyPath)
	return nil
}

// Start launches the flush and prune loops. Idempotent.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	go r.run()
}

// Stop halts the background loops and flushes pending state.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	close(r.stop)
	r.Flush()
}

func (r *Recorder) run() {
	flush := time.NewTicker(flushInterval)
	prune := time.NewTicker(pruneInterval)
	defer flush.Stop()
	defer prune.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-flush.C:
			r.Flush()
		case <-prune.C:
			r.Prune()
		}
	}
}

// Track counts one request against the current hour bucket.
func (r *Recorder) Track(modelID string) {
	family := GetFamily(modelID)
	short := GetShortName(modelID, family)
	hourKey := time.Now().UTC().Format(hourLayout)

	r.mu.Lock()
	bucket := r.history[hourKey]
	if bucket == nil {
		bucket = &HourStats{Families: make(map[string]*FamilyStats)}
		r.history[hourKey] = bucket
	}
	fs := bucket.Families[family]
	if fs == nil {
		fs = &FamilyStats{Models: make(map[string]int64)}
		bucket.Families[family] = fs
	}
	fs.Models[short]++
	fs.Subtotal++
	bucket.Total++
	r.dirty = true
	r.mu.Unlock()

	r.mirror.RecordRequest(context.Background(), family, short)
}

// Flush writes the history to disk when dirty.
func (r *Recorder) Flush() {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	data, err := json.MarshalIndent(r.history, "", "  ")
	r.dirty = false
	r.mu.Unlock()

	if err != nil {
		utils.Warn("[UsageStats] Failed to encode history: %v", err)
		return
	}
	if err := utils.EnsureParentDir(r.path); err != nil {
		utils.Warn("[UsageStats] Failed to create history directory: %v", err)
		return
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		utils.Warn("[UsageStats] Failed to write history: %v", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		utils.Warn("[UsageStats] Failed to replace history: %v", err)
	}
}

// Prune drops buckets older than the retention window.
func (r *Recorder) Prune() {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	r.mu.Lock()
	removed := 0
	for hourKey := range r.history {
		t, err := time.Parse(hourLayout, hourKey)
		if err != nil || t.Before(cutoff) {
			delete(r.history, hourKey)
			removed++
		}
	}
	if removed > 0 {
		r.dirty = true
	}
	r.mu.Unlock()

	if removed > 0 {
		utils.Debug("[UsageStats] Pruned %d old bucket(s)", removed)
	}
	if pruned, err := r.mirror.PruneOldStats(context.Background(), retentionDays); err == nil && pruned > 0 {
		utils.Debug("[UsageStats] Pruned %d mirror bucket(s)", pruned)
	}
}

// History returns a deep copy keyed by ISO hour timestamps, sorted
// keys first for stable iteration by callers that serialise it.
func (r *Recorder) History() map[string]*HourStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*HourStats, len(r.history))
	for hourKey, bucket := range r.history {
		t, err := time.Parse(hourLayout, hourKey)
		if err != nil {
			continue
		}
		copied := &HourStats{Total: bucket.Total, Families: make(map[string]*FamilyStats, len(bucket.Families))}
		for family, fs := range bucket.Families {
			models := make(map[string]int64, len(fs.Models))
			for model, count := range fs.Models {
				models[model] = count
			}
			copied.Families[family] = &FamilyStats{Subtotal: fs.Subtotal, Models: models}
		}
		out[t.Format("2006-01-02T15:04:05.000Z")] = copied
	}
	return out
}

// SortedKeys returns the history keys in chronological order.
func SortedKeys(history map[string]*HourStats) []string {
	keys := make([]string, 0, len(history))
	for k := range history {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetFamily buckets a model id into claude, gemini or other.
func GetFamily(modelID string) string {
	lower := strings.ToLower(modelID)
	if strings.Contains(lower, "claude") {
		return "claude"
	}
	if strings.Contains(lower, "gemini") {
		return "gemini"
	}
	return "other"
}

// GetShortName strips the family prefix, e.g. "claude-opus-4-6" to
// "opus-4-6".
func GetShortName(modelID, family string) string {
	if family == "other" {
		return modelID
	}
	prefix := family + "-"
	if strings.HasPrefix(strings.ToLower(modelID), prefix) {
		return modelID[len(prefix):]
	}
	return modelID
}
