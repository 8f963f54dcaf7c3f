package store

import (
	"context"
	"strings"
	"time"
)

// statsHourLayout matches the hour-bucket keys used by the recorder.
const statsHourLayout = "2006-01-02T15"

// StatsStore mirrors usage counters into Redis hashes, one hash per
// hour bucket. The file-backed recorder is authoritative; the mirror
// exists for external dashboards.
type StatsStore struct {
	client *Client
}

// NewStatsStore creates a StatsStore; client may be nil.
func NewStatsStore(client *Client) *StatsStore {
	return &StatsStore{client: client}
}

func statsKey(hourKey string) string {
	return PrefixStats + hourKey
}

// RecordRequest increments the three counters for one request in the
// current hour bucket.
func (s *StatsStore) RecordRequest(ctx context.Context, family, model string) {
	if s == nil || s.client == nil {
		return
	}

	key := statsKey(time.Now().UTC().Format(statsHourLayout))
	_ = s.client.HIncrBy(ctx, key, "_total", 1)
	_ = s.client.HIncrBy(ctx, key, family+":_subtotal", 1)
	_ = s.client.HIncrBy(ctx, key, family+":"+model, 1)
	// Keep a day past the prune horizon so the sweeper, not Redis,
	// decides retention.
	_ = s.client.Expire(ctx, key, 31*24*time.Hour)
}

// PruneOldStats deletes mirror buckets older than retentionDays and
// returns how many were removed.
func (s *StatsStore) PruneOldStats(ctx context.Context, retentionDays int) (int, error) {
	if s == nil || s.client == nil {
		return 0, nil
	}

	keys, err := s.client.ScanKeys(ctx, PrefixStats+"*")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	var stale []string
	for _, key := range keys {
		hourKey := strings.TrimPrefix(key, PrefixStats)
		t, err := time.Parse(statsHourLayout, hourKey)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			stale = append(stale, key)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.client.Delete(ctx, stale...); err != nil {
		return 0, err
	}
	return len(stale), nil
}
