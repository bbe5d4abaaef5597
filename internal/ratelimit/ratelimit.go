// Package ratelimit implements a persisted sliding-window counter of image
// generation events. Each rate-limit scope gets its own JSON state file;
// entries older than the window are pruned lazily on every access.
package ratelimit

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/moekira/selfiebot/internal/logger"
	"github.com/moekira/selfiebot/internal/store"
)

// Limiter tracks generation events for one scope id.
type Limiter struct {
	filePath string
	scopeID  string
}

type state struct {
	Timestamps []float64 `json:"timestamps"`
}

// New creates a limiter for the given scope id, persisted under dataDir.
func New(dataDir, scopeID string) *Limiter {
	safeScope := store.SafeID(scopeID)
	return &Limiter{
		filePath: filepath.Join(dataDir, "ratelimit_"+safeScope+".json"),
		scopeID:  scopeID,
	}
}

// Check prunes expired entries, persists the pruned set and reports whether
// the scope is at its limit along with the in-window count. A non-positive
// maxImages never limits; a non-positive windowHours disables pruning.
func (l *Limiter) Check(windowHours, maxImages int, now float64) (bool, int) {
	timestamps := l.prune(l.load(), windowHours, now)
	if err := l.save(timestamps); err != nil {
		logger.LimitWarn("Scope[%s]: failed to persist pruned window: %v", l.scopeID, err)
	}
	count := len(timestamps)
	limited := maxImages > 0 && count >= maxImages
	return limited, count
}

// Record appends an event at now, prunes, persists and returns the new
// in-window count.
func (l *Limiter) Record(windowHours int, now float64) int {
	timestamps := append(l.load(), now)
	timestamps = l.prune(timestamps, windowHours, now)
	if err := l.save(timestamps); err != nil {
		logger.LimitWarn("Scope[%s]: failed to persist recorded event: %v", l.scopeID, err)
	}
	return len(timestamps)
}

// load reads the persisted window. Missing or corrupt files load as empty;
// the limiter fails open to no history rather than blocking the scope. A
// legacy bare-array payload is also accepted.
func (l *Limiter) load() []float64 {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil
	}
	var st state
	if err := json.Unmarshal(data, &st); err == nil && st.Timestamps != nil {
		return st.Timestamps
	}
	var legacy []float64
	if err := json.Unmarshal(data, &legacy); err == nil {
		return legacy
	}
	logger.LimitWarn("Scope[%s]: ignoring unreadable rate limit file %s", l.scopeID, l.filePath)
	return nil
}

func (l *Limiter) save(timestamps []float64) error {
	if timestamps == nil {
		timestamps = []float64{}
	}
	data, err := json.MarshalIndent(state{Timestamps: timestamps}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode rate limit state")
	}
	if err := os.WriteFile(l.filePath, data, 0o644); err != nil {
		return errors.Wrapf(err, "write rate limit file %s", l.filePath)
	}
	return nil
}

func (l *Limiter) prune(timestamps []float64, windowHours int, now float64) []float64 {
	windowSeconds := float64(windowHours) * 3600
	if windowSeconds <= 0 {
		return timestamps
	}
	threshold := now - windowSeconds
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts >= threshold {
			kept = append(kept, ts)
		}
	}
	return kept
}
