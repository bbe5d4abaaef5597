package ratelimit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckUnlimitedWhenEmpty(t *testing.T) {
	l := New(t.TempDir(), "chat_1")

	limited, count := l.Check(6, 3, 1000)
	assert.False(t, limited)
	assert.Equal(t, 0, count)
}

func TestLimitReachedAfterMaxRecords(t *testing.T) {
	l := New(t.TempDir(), "chat_1")

	now := 1700000000.0
	assert.Equal(t, 1, l.Record(6, now))
	assert.Equal(t, 2, l.Record(6, now+10))
	assert.Equal(t, 3, l.Record(6, now+20))

	limited, count := l.Check(6, 3, now+30)
	assert.True(t, limited)
	assert.Equal(t, 3, count)
}

func TestWindowExpiryUnblocks(t *testing.T) {
	l := New(t.TempDir(), "chat_1")

	now := 1700000000.0
	l.Record(6, now)
	l.Record(6, now)
	l.Record(6, now)

	limited, _ := l.Check(6, 3, now+1)
	require.True(t, limited)

	// One second past the 6h window every event has expired.
	limited, count := l.Check(6, 3, now+6*3600+1)
	assert.False(t, limited)
	assert.Equal(t, 0, count)
}

func TestNonPositiveMaxNeverLimits(t *testing.T) {
	l := New(t.TempDir(), "chat_1")

	now := 1700000000.0
	for i := 0; i < 10; i++ {
		l.Record(6, now)
	}
	limited, count := l.Check(6, 0, now)
	assert.False(t, limited)
	assert.Equal(t, 10, count)

	limited, _ = l.Check(6, -1, now)
	assert.False(t, limited)
}

func TestNonPositiveWindowDisablesPruning(t *testing.T) {
	l := New(t.TempDir(), "chat_1")

	l.Record(0, 100)
	l.Record(0, 1e9)

	_, count := l.Check(0, 5, 2e9)
	assert.Equal(t, 2, count)
}

func TestCorruptFileFailsOpen(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "chat_1")
	require.NoError(t, os.WriteFile(l.filePath, []byte("{{{"), 0o644))

	limited, count := l.Check(6, 3, 1000)
	assert.False(t, limited)
	assert.Equal(t, 0, count)
}

func TestLegacyBareArrayFormat(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "chat_1")
	require.NoError(t, os.WriteFile(l.filePath, []byte("[100, 200, 300]"), 0o644))

	_, count := l.Check(0, 5, 400)
	assert.Equal(t, 3, count)
}

func TestScopeFileNameIsSanitized(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, "user_telegram/7:x")

	l.Record(6, 1000)
	assert.Equal(t, filepath.Join(dir, "ratelimit_user_telegram_7_x.json"), l.filePath)
	_, err := os.Stat(l.filePath)
	assert.NoError(t, err)
}

func TestScopesAreIndependent(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, "chat_1")
	b := New(dir, "chat_2")

	a.Record(6, 1000)
	a.Record(6, 1000)

	limitedB, countB := b.Check(6, 2, 1001)
	assert.False(t, limitedB)
	assert.Equal(t, 0, countB)

	limitedA, _ := a.Check(6, 2, 1001)
	assert.True(t, limitedA)
}
